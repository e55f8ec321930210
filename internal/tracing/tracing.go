// Package tracing holds the process tracer and span helpers. Spans go to
// the global OpenTelemetry provider, which is a no-op unless an exporter
// (see otelexport) installs a real one.
package tracing

import (
	"strings"

	"github.com/mattn/go-runewidth"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName identifies spans created by this module.
const InstrumentationName = "github.com/knightbot/knightbot"

// PreviewWidth is the display width of text previews in logs and spans.
const PreviewWidth = 60

// Tracer returns the tracer from the current global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// Preview flattens s onto one line and truncates it to width terminal
// cells, so wide characters and emoji do not overrun log columns.
func Preview(s string, width int) string {
	s = strings.ToValidUTF8(s, "")
	s = strings.Join(strings.Fields(s), " ")
	if runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, "...")
}
