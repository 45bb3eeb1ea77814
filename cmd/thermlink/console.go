package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/srg/thermlink/internal/codec"
)

var (
	finalColor        = color.New(color.FgCyan, color.Bold)
	intermediateColor = color.New(color.FgHiBlack)
	propertyColor     = color.New(color.FgYellow)
)

// consoleWatcher prints measurements as they arrive. It is registered with
// the adapter as an ordinary watcher endpoint.
type consoleWatcher struct {
	mu  sync.Mutex
	out io.Writer
}

func newConsoleWatcher(out io.Writer) *consoleWatcher {
	return &consoleWatcher{out: out}
}

func (w *consoleWatcher) MeasurementReceived(devicePath string, m *codec.Measurement) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintln(w.out, formatMeasurement(m))
}

// WatchDisconnect never fires for the console: the process exiting is the
// only way this watcher goes away.
func (w *consoleWatcher) WatchDisconnect(func()) func() {
	return func() {}
}

func formatMeasurement(m *codec.Measurement) string {
	unit := "°C"
	if m.Unit == "fahrenheit" {
		unit = "°F"
	}

	c := finalColor
	if m.Kind == codec.Intermediate {
		c = intermediateColor
	}

	var parts []string
	if m.HasTime {
		parts = append(parts, m.Time.Format("15:04:05"))
	}
	parts = append(parts, c.Sprintf("%.2f%s", m.Value(), unit))
	if m.Kind == codec.Intermediate {
		parts = append(parts, "(intermediate)")
	}
	if m.Type != "" {
		parts = append(parts, "["+m.Type+"]")
	}
	return strings.Join(parts, " ")
}

// consoleEmitter surfaces device property changes on stderr so they do not
// interleave with measurement output on stdout.
type consoleEmitter struct {
	mu  sync.Mutex
	out io.Writer
}

func newConsoleEmitter(out io.Writer) *consoleEmitter {
	return &consoleEmitter{out: out}
}

func (e *consoleEmitter) PropertyChanged(devicePath, name string, value interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fmt.Fprintf(e.out, "%s %s = %v\n", devicePath, propertyColor.Sprint(name), value)
}
