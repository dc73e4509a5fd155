// Package sinks holds notify.Sink implementations.
package sinks
