package blerpc

import (
	"os"

	"github.com/op/go-logging"
)

var log = SetupLogging("blerpc", logging.NOTICE)

// SetupLogging returns a logger with the package's standard format,
// honoring a BLERPC_LOG_LEVEL environment override (e.g. "DEBUG", "INFO").
func SetupLogging(prefix string, defaultLevel logging.Level) (logger *logging.Logger) {
	format := logging.MustStringFormatter(
		`%{color}%{time:15:04:05.000} ` + prefix + ` [%{level:.4s}]%{color:reset} %{message}`,
	)
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatted := logging.NewBackendFormatter(backend, format)
	leveled := logging.AddModuleLevel(formatted)

	level := defaultLevel
	if override := os.Getenv("BLERPC_LOG_LEVEL"); override != "" {
		if parsed, err := logging.LogLevel(override); err == nil {
			level = parsed
		}
	}
	leveled.SetLevel(level, "")

	logging.SetBackend(leveled)
	logger = logging.MustGetLogger(prefix)
	return
}
