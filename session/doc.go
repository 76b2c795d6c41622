// Package session manages long-lived refresh sessions: issuance, rotation,
// revocation, and reuse detection.
//
// # State machine
//
// A session is Active until exactly one of three things happens: rotation
// (Status Rotated, linked to its replacement), revocation for any other
// reason (Status Revoked), or lazy expiry detection at use time. Rotated
// rows are retained rather than deleted — presenting a rotated-out token
// again is the theft indicator that triggers a user-wide revocation cascade.
//
// # Atomicity
//
// The rotate path is a single conditional store operation: of two concurrent
// rotations against the same active session, exactly one wins and the other
// fails validation. RevokeAll is one bulk operation so it cannot race a
// rotation into a half-revoked state.
package session
