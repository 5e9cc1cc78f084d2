package logging

import (
	"io"

	"github.com/hashicorp/go-hclog"
)

// NewHCLogger creates the hclog.Logger handed to the retrying HTTP client.
// The client logs every attempt at debug, so it stays quieter than the
// application logger at the same verbosity.
func NewHCLogger(verbosity int, w io.Writer) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "http",
		Level:  hcLevelForVerbosity(verbosity),
		Output: w,
	})
}

// NewNoOpHCLogger creates an hclog.Logger that discards everything.
func NewNoOpHCLogger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "http",
		Level:  hclog.Off,
		Output: io.Discard,
	})
}

func hcLevelForVerbosity(verbosity int) hclog.Level {
	switch {
	case verbosity <= 0:
		return hclog.Error
	case verbosity <= 2:
		return hclog.Warn
	case verbosity <= 4:
		return hclog.Debug
	default:
		return hclog.Trace
	}
}
