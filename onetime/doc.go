// Package onetime implements single-use tokens for out-of-band flows such as
// password reset and email verification.
//
// Each token is a composite of a public ID and a random secret; only the
// secret's SHA-256 hash is stored. Consume is atomic: the used timestamp
// transitions from zero exactly once, so of any number of concurrent
// consumes at most one succeeds and the rest answer ErrAlreadyUsed.
package onetime
