// Package prometheus renders engine metrics in Prometheus text exposition
// format.
package prometheus
