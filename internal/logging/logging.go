// Package logging configures the process wide logrus logger.
package logging

import (
	"io"

	log "github.com/sirupsen/logrus"
)

// Level maps the debug flag and the -v count to a log level.
// 0 is info, 1 is debug, 2 and more is trace. debug never yields less than debug.
func Level(debug bool, verbose int) log.Level {
	level := log.InfoLevel
	switch {
	case verbose >= 2:
		level = log.TraceLevel
	case verbose == 1 || debug:
		level = log.DebugLevel
	}
	return level
}

// Setup applies level and formatting to the standard logger.
func Setup(out io.Writer, debug bool, verbose int) {
	log.SetOutput(out)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(Level(debug, verbose))
	log.SetReportCaller(debug)
}
