package common

import (
	"github.com/ValentinKolb/dLog/lib/logger"
)

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

// loggerNames are the package loggers a replica process uses.
var loggerNames = []string{
	"vsr",
	"journal",
	"kv",
	"transport",
	"peer",
	"rpc",
	"cmd",
}

// InitLoggers applies the configured log level to every package logger.
func InitLoggers(config NodeConfig) {
	level := logger.ParseLogLevel(config.LogLevel)
	for _, name := range loggerNames {
		logger.GetLogger(name).SetLevel(level)
	}
}
