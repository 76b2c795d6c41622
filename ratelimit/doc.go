// Package ratelimit enforces adaptive attempt budgets for sensitive
// operations: login by principal, login by IP, registration by IP, and
// password-reset requests by IP.
//
// The primary backend is a shared Redis counter-and-block pair so limits
// hold across service instances. When Redis errors, the limiter either
// degrades to an in-process sliding window (fail-open) or denies outright
// with a fixed retry-after (fail-closed), chosen per deployment. Health
// transitions are edge-triggered: the fallback signal fires once on the
// first failure after a success and once on recovery, never per call.
package ratelimit
