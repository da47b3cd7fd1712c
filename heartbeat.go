package docsync

import (
	stdSync "sync"
	"sync/atomic"
	"time"
)

// heartbeat pings a connection every interval and calls onTimeout when a
// ping goes unanswered until the next tick.
type heartbeat struct {
	pinger    Pinger
	interval  time.Duration
	onTimeout func()

	pong     atomic.Bool
	stop     chan struct{}
	stopOnce stdSync.Once
}

func newHeartbeat(p Pinger, interval time.Duration, onTimeout func()) *heartbeat {
	h := &heartbeat{
		pinger:    p,
		interval:  interval,
		onTimeout: onTimeout,
		stop:      make(chan struct{}),
	}
	h.pong.Store(true)
	return h
}

func (h *heartbeat) start() {
	go h.run()
}

func (h *heartbeat) run() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			if !h.pong.Swap(false) {
				h.onTimeout()
				return
			}
			if err := h.pinger.Ping(); err != nil {
				h.onTimeout()
				return
			}
		}
	}
}

// received records a pong.
func (h *heartbeat) received() {
	h.pong.Store(true)
}

// halt stops the timer. It does not wait for the goroutine, so it is safe
// to call from onTimeout.
func (h *heartbeat) halt() {
	h.stopOnce.Do(func() { close(h.stop) })
}
