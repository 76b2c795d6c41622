// Package internaldefs holds the shared metric name table consumed by the
// exporter packages. It is not a public API.
package internaldefs
