// Package telemetry provides opt-in structured tracing for the loader
// core. It never gates control flow. A failed DWARF parse is also carried
// on Program.Error; the truncated-table warnings appear only in the log.
// Callers that don't configure a handler get apex/log's
// default discard-nothing-but-print-nothing-until-asked behavior, matching
// the low-noise-by-default posture the sibling reverse-engineering CLI in
// this corpus (blacktop/ipsw) uses for its own apex/log wiring.
package telemetry

import "github.com/apex/log"

// Tracef emits a debug-level trace tagged with a component name. It is
// cheap to call unconditionally; apex/log filters by level.
func Tracef(component, format string, args ...interface{}) {
	log.WithField("component", component).Debugf(format, args...)
}

// Warn emits a warn-level trace for a recoverable, non-fatal condition
// (truncated symbol or export function table, failed DWARF parse).
func Warn(component, message string) {
	log.WithField("component", component).Warn(message)
}
