// Package clock abstracts the time source used by components that make
// time-based decisions (circuit breakers, the admission window), so tests
// can advance time deterministically instead of sleeping.
package clock

import "time"

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// Real returns a Clock backed by the system wall clock.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
