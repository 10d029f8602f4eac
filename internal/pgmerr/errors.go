// Package pgmerr holds the sentinel errors shared across the sender's
// internal packages (§7 Error Taxonomy), so every layer can wrap with
// fmt.Errorf("...: %w", ...) and callers can still errors.Is against a
// single canonical value regardless of which package raised it.
package pgmerr

import "errors"

var (
	// ErrInvalid signals an argument or state precondition failure.
	ErrInvalid = errors.New("pgm: invalid argument or state")
	// ErrAlreadyBound signals a configuration change attempted after bind.
	ErrAlreadyBound = errors.New("pgm: transport already bound")
	// ErrClosed signals an operation on a closed transport.
	ErrClosed = errors.New("pgm: transport closed")
	// ErrOversize signals an APDU exceeding window x max_tsdu.
	ErrOversize = errors.New("pgm: apdu exceeds window capacity")
	// ErrRateLimited signals a rejected send due to insufficient tokens.
	ErrRateLimited = errors.New("pgm: rate limited")
	// ErrWouldBlock signals a non-blocking write primitive would block.
	ErrWouldBlock = errors.New("pgm: would block")
	// ErrMalformed signals a codec rejection of an incoming control packet.
	ErrMalformed = errors.New("pgm: malformed packet")
	// ErrOutOfWindow signals a NAK or peek for a sequence outside [trail, lead].
	ErrOutOfWindow = errors.New("pgm: sequence out of window")
)
