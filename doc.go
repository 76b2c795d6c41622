// Package authcore implements the token lifecycle core of an authentication
// service: stateless signed access tokens, rotating refresh sessions with
// reuse detection, single-use password-reset and email-verification tokens,
// and an adaptive rate limiter with a distributed primary backend and an
// in-process fallback.
//
// The package deliberately owns no user storage and no transport. A host
// application performs credential checks and HTTP plumbing, then drives the
// Engine: Check the limiter before a credential check, IssueTokenPair after
// a successful login, Refresh to rotate, VerifyAccess on every request, and
// the logout and one-time-token flows as needed.
package authcore
