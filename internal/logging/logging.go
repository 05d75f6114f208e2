// Package logging configures the zerolog logger shared across sellia's
// server and client binaries.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds a console-friendly zerolog.Logger. verbose lowers the minimum
// level to debug; otherwise info-and-above is logged.
func New(verbose bool, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stderr
	}
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	writer := zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}

// Nop returns a logger that discards everything, used as a safe default in
// tests and library entry points that don't wire one in explicitly.
func Nop() zerolog.Logger {
	return zerolog.New(io.Discard).Level(zerolog.Disabled).With().Timestamp().Logger()
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
