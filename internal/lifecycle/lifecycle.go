// Package lifecycle holds the lot and payment-attempt state machines.
//
// Both machines are plain transition tables keyed by (state, event). Apply
// functions work on a copy and return it only when the transition is legal, so
// a rejected event never leaves a partially updated value behind.
package lifecycle

import (
	"errors"
	"fmt"
)

var ErrIllegalTransition = errors.New("illegal transition")

func illegal(kind, id, event, from string) error {
	return fmt.Errorf("%w: %s %s cannot %s from %s", ErrIllegalTransition, kind, id, event, from)
}
