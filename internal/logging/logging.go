// Package logging configures the process-wide logrus logger used by
// every component, which log directly via logrus.Debugf/Infof (see
// docker/internal/tarfile) rather than through a wrapper interface.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Verbosity selects a logrus level from a CLI repeat-count (-v, -vv),
// mirroring the env-var level-name parsing in the oci-pull-through
// example's internal/config.parseLogLevel, adapted to a count instead
// of a name since the CLI exposes repeatable -v flags rather than an
// env var.
func Verbosity(count int) logrus.Level {
	switch {
	case count >= 2:
		return logrus.DebugLevel
	case count == 1:
		return logrus.InfoLevel
	default:
		return logrus.WarnLevel
	}
}

// Configure installs level and a plain text formatter on the standard
// logger. Progress bars write to stdout, so diagnostics go to stderr.
func Configure(level logrus.Level) {
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: level < logrus.DebugLevel,
		FullTimestamp:    true,
	})
}
