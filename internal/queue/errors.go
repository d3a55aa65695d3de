package queue

import "errors"

var (
	// ErrNotAvailable means the entry was not open when the claim ran: another
	// accept won, or the owner cancelled it.
	ErrNotAvailable = errors.New("queue entry already matched or cancelled")

	// ErrSelfMatch is returned when a user accepts their own search.
	ErrSelfMatch = errors.New("cannot accept own search")

	// ErrShortIDExhausted means every short id drawn for the game collided.
	ErrShortIDExhausted = errors.New("could not allocate a unique short id")
)
