// Package gclog is a thin wrapper around the standard library's log
// package, giving every component a consistent "gcird: <component>: "
// prefix, in the teacher's style of plain log.Printf call sites.
package gclog

import (
	"io"
	"log"
	"os"
)

// Logger logs diagnostic lines for one component. The zero value logs
// to os.Stderr.
type Logger struct {
	l *log.Logger
}

// New returns a Logger prefixed with the given component name.
func New(component string) *Logger {
	return &Logger{l: log.New(os.Stderr, "gcird: "+component+": ", log.LstdFlags)}
}

// NewTo returns a Logger writing to w, for tests that want to capture
// output instead of polluting stderr.
func NewTo(w io.Writer, component string) *Logger {
	return &Logger{l: log.New(w, "gcird: "+component+": ", log.LstdFlags)}
}

func (g *Logger) Printf(format string, args ...any) {
	if g == nil || g.l == nil {
		return
	}
	g.l.Printf(format, args...)
}
