// Package log provides the package-level logger shared by every part of
// the plugin host.
package log

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// Get returns the shared logger, re-reading PLUGINHOST_LOGLEVEL each time
// so tests can flip verbosity without reconstructing the logger.
func Get() *logrus.Logger {
	switch strings.ToLower(os.Getenv("PLUGINHOST_LOGLEVEL")) {
	case "error":
		log.Level = logrus.ErrorLevel
	case "warn":
		log.Level = logrus.WarnLevel
	case "debug":
		log.Level = logrus.DebugLevel
	default:
		log.Level = logrus.InfoLevel
	}
	return log
}
