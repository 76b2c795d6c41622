// Package audit defines the audit event model and the asynchronous
// dispatcher that forwards events to a host-supplied sink.
package audit
