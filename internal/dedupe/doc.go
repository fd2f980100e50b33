// Package dedupe records the outcome of work keyed by an identifier so that a
// replayed key returns the recorded value instead of running the work again.
package dedupe
