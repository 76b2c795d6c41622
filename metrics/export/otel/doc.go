// Package otel exports engine metrics through an OpenTelemetry meter.
package otel
