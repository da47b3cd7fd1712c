package errors

import (
	"errors"
	"fmt"
)

// Component is a typed component name accepted by E.
type Component string

// E builds a SyncError from its arguments, in the spirit of upspin's errors.E.
// Recognised argument types are Operation, Component, Kind, ErrorCode, error and
// string (appended to the message of the wrapped error). A nil error argument is
// ignored; if no error is supplied the strings become the error text.
func E(args ...interface{}) error {
	if len(args) == 0 {
		return nil
	}
	e := &SyncError{}
	var msg string
	for _, arg := range args {
		switch a := arg.(type) {
		case Operation:
			e.Op = a
		case Component:
			e.Component = string(a)
		case Kind:
			e.Kind = a
		case ErrorCode:
			e.Code = a
		case *SyncError:
			if a != nil {
				e.Err = a
				if e.Kind == "" {
					e.Kind = a.Kind
				}
				e.Retryable = a.Retryable
			}
		case error:
			if a != nil {
				e.Err = a
			}
		case string:
			if msg == "" {
				msg = a
			} else {
				msg += ": " + a
			}
		}
	}
	switch {
	case e.Err == nil && msg == "":
		return nil
	case e.Err == nil:
		e.Err = errors.New(msg)
	case msg != "":
		e.Err = fmt.Errorf("%s: %w", msg, e.Err)
	}
	return e
}
