package docsync

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	syncErrors "github.com/c0deZ3R0/go-doc-sync/errors"
	"github.com/c0deZ3R0/go-doc-sync/storage"
)

func TestReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"canceled", fmt.Errorf("load: %w", context.Canceled), "canceled"},
		{"deadline", context.DeadlineExceeded, "canceled"},
		{"missing store", fmt.Errorf("open: %w", storage.ErrStoreNotFound), "store_not_found"},
		{"kinded", syncErrors.E(syncErrors.KindInvalid, "bad"), string(syncErrors.KindInvalid)},
		{"plain", errors.New("boom"), string(syncErrors.KindInternal)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, reason(tt.err))
		})
	}
}
