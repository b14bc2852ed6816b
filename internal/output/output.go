// Package output prints human-readable progress for deploy runs.
package output

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Status is the outcome of one dependency on one host.
type Status string

const (
	StatusOK      Status = "ok"
	StatusChanged Status = "changed"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Stats holds execution statistics for one host.
type Stats interface {
	GetOK() int
	GetChanged() int
	GetFailed() int
	GetSkipped() int
}

// Output handles formatted output. It is safe for concurrent use by the
// goroutines working on different hosts.
type Output struct {
	mu    sync.Mutex
	w     io.Writer
	debug bool

	bold, red, green, yellow, blue, cyan, gray *color.Color
}

// New creates a new output handler writing to w.
func New(w io.Writer) *Output {
	o := &Output{
		w:      w,
		bold:   color.New(color.Bold),
		red:    color.New(color.FgRed),
		green:  color.New(color.FgGreen),
		yellow: color.New(color.FgYellow),
		blue:   color.New(color.FgBlue),
		cyan:   color.New(color.FgCyan),
		gray:   color.New(color.FgHiBlack),
	}
	o.SetColor(true)
	return o
}

// SetColor enables or disables color output.
func (o *Output) SetColor(enabled bool) {
	for _, c := range o.palette() {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
}

// SetDebug enables or disables debug output.
func (o *Output) SetDebug(enabled bool) {
	o.mu.Lock()
	o.debug = enabled
	o.mu.Unlock()
}

func (o *Output) palette() []*color.Color {
	return []*color.Color{o.bold, o.red, o.green, o.yellow, o.blue, o.cyan, o.gray}
}

// RunStart prints the run banner.
func (o *Output) RunStart(manifest, runID string) {
	o.printf("\n%s %s %s\n", o.bold.Sprint("DEPLOY"), manifest, o.gray.Sprintf("(%s)", runID))
}

// HostStart prints the header for a host.
func (o *Output) HostStart(host string) {
	o.printf("\n%s %s\n", o.bold.Sprint("HOST"), host)
}

func (o *Output) statusStyle(s Status) (indicator string, c *color.Color) {
	switch s {
	case StatusOK:
		return "✓", o.green
	case StatusChanged:
		return "✓", o.yellow
	case StatusSkipped:
		return "○", o.cyan
	case StatusFailed:
		return "✗", o.red
	default:
		return "?", o.gray
	}
}

// Result prints one dependency outcome on a single line.
// Format: [indicator] name (host) status
func (o *Output) Result(host, name string, status Status, message string) {
	indicator, c := o.statusStyle(status)
	text := string(status)
	if status == StatusFailed {
		text = "FAILED"
	}

	o.printf("  %s %s %s %s\n", c.Sprint(indicator), name, o.gray.Sprintf("(%s)", host), c.Sprint(text))
	if message != "" && (status == StatusFailed || o.isDebug()) {
		o.printf("    %s %s\n", o.gray.Sprint("→"), message)
	}
}

// Stream prints a chunk of command output in debug mode, one prefixed line
// per line of text.
func (o *Output) Stream(host, stream, text string) {
	if !o.isDebug() {
		return
	}
	prefix := o.gray.Sprintf("    %s %s|", host, stream)
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		o.printf("%s %s\n", prefix, line)
	}
}

// Recap prints per-host totals, hosts sorted by name.
func (o *Output) Recap(stats map[string]Stats, elapsed time.Duration) {
	o.printf("\n%s %s\n", o.bold.Sprint("RECAP"), o.gray.Sprintf("(%.2fs)", elapsed.Seconds()))

	hosts := make([]string, 0, len(stats))
	for h := range stats {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)

	for _, h := range hosts {
		s := stats[h]
		name := o.green.Sprint(h)
		if s.GetFailed() > 0 {
			name = o.red.Sprint(h)
		}
		o.printf("  %-30s %s %s %s %s\n", name,
			o.green.Sprintf("ok=%d", s.GetOK()),
			o.yellow.Sprintf("changed=%d", s.GetChanged()),
			o.red.Sprintf("failed=%d", s.GetFailed()),
			o.cyan.Sprintf("skipped=%d", s.GetSkipped()))
	}
}

// Section prints a section header.
func (o *Output) Section(name string) {
	o.printf("\n%s\n", o.bold.Sprint(name))
}

// Info prints an informational message.
func (o *Output) Info(format string, args ...any) {
	o.printf("%s %s\n", o.blue.Sprint("INFO"), fmt.Sprintf(format, args...))
}

// Warn prints a warning message.
func (o *Output) Warn(format string, args ...any) {
	o.printf("%s %s\n", o.yellow.Sprint("WARN"), fmt.Sprintf(format, args...))
}

// Error prints an error message.
func (o *Output) Error(format string, args ...any) {
	o.printf("%s %s\n", o.red.Sprint("ERROR"), fmt.Sprintf(format, args...))
}

// Debug prints a debug message (only in debug mode).
func (o *Output) Debug(format string, args ...any) {
	if o.isDebug() {
		o.printf("%s %s\n", o.gray.Sprint("DEBUG"), fmt.Sprintf(format, args...))
	}
}

func (o *Output) isDebug() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.debug
}

func (o *Output) printf(format string, args ...any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintf(o.w, format, args...)
}
