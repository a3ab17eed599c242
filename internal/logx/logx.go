// Package logx builds per-component loggers on top of logrus, mirroring
// the teacher's leveled/prefixed DefaultLogger but with structured fields
// instead of a baked-in string prefix.
package logx

import (
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/sirupsen/logrus"
)

// Root is the process-wide base logger. Components derive a scoped
// logger from it with New rather than constructing their own.
var Root = newRoot()

func newRoot() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(ttyWriter(os.Stderr))
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return l
}

// ttyWriter wraps w with a colorable writer when color output makes
// sense, the same fatih/color + mattn/go-colorable pairing used for
// readable terminal logs across the platform.
func ttyWriter(w io.Writer) io.Writer {
	if f, ok := w.(*os.File); ok && color.NoColor == false {
		return colorable.NewColorable(f)
	}
	return w
}

// New returns a logger scoped to a node and a component, e.g.
// logx.New("node1@127.0.0.1:4369", "transport").
func New(node, component string) *logrus.Entry {
	return Root.WithFields(logrus.Fields{
		"node":      node,
		"component": component,
	})
}

// SetDebug toggles debug-level verbosity on the root logger, mirroring
// DefaultLogger.ToggleDebug from the teacher.
func SetDebug(enabled bool) {
	if enabled {
		Root.SetLevel(logrus.DebugLevel)
	} else {
		Root.SetLevel(logrus.InfoLevel)
	}
}
