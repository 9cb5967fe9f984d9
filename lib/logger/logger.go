// Package logger provides named, levelled loggers for the application.
// Every package grabs its logger once at init time via GetLogger; levels
// are adjusted centrally by name, so one flag can silence the transport
// while the replica core stays verbose.
package logger

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
)

// --------------------------------------------------------------------------
// Log Levels
// --------------------------------------------------------------------------

type LogLevel int

const (
	CRITICAL LogLevel = iota
	ERROR
	WARNING
	INFO
	DEBUG
)

// ParseLogLevel converts a string level to a LogLevel
func ParseLogLevel(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warning", "warn":
		return WARNING
	case "error":
		return ERROR
	default:
		panic(fmt.Sprintf("invalid log level: %s. must be one of debug, info, warn, error", level))
	}
}

// --------------------------------------------------------------------------
// Logger Interface
// --------------------------------------------------------------------------

// ILogger is the logging interface handed to the packages
type ILogger interface {
	SetLevel(level LogLevel)
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Panicf(format string, args ...interface{})
}

// --------------------------------------------------------------------------
// Custom Logger
// --------------------------------------------------------------------------

// dLogLogger implements the ILogger interface with custom formatting
type dLogLogger struct {
	name   string
	level  LogLevel
	logger *log.Logger
}

func (l *dLogLogger) SetLevel(level LogLevel) {
	l.level = level
}

func (l *dLogLogger) Debugf(format string, args ...interface{}) {
	if l.level >= DEBUG {
		l.log("DEBUG", format, args...)
	}
}

func (l *dLogLogger) Infof(format string, args ...interface{}) {
	if l.level >= INFO {
		l.log("INFO", format, args...)
	}
}

func (l *dLogLogger) Warningf(format string, args ...interface{}) {
	if l.level >= WARNING {
		l.log("WARN", format, args...)
	}
}

func (l *dLogLogger) Errorf(format string, args ...interface{}) {
	if l.level >= ERROR {
		l.log("ERROR", format, args...)
	}
}

func (l *dLogLogger) Panicf(format string, args ...interface{}) {
	panic(fmt.Sprintf(format, args...))
}

// log formats and writes a log message. this internal helper is used by the public methods
func (l *dLogLogger) log(levelStr string, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("%-5s | %-15s | %s", levelStr, l.name, message)
}

// --------------------------------------------------------------------------
// Logger Registry
// --------------------------------------------------------------------------

var (
	mu      sync.Mutex
	loggers = make(map[string]ILogger)
)

// GetLogger returns the named logger, creating it at level INFO on first
// use. Safe for concurrent use, though loggers are normally created from
// package init.
func GetLogger(name string) ILogger {
	mu.Lock()
	defer mu.Unlock()

	if l, ok := loggers[name]; ok {
		return l
	}

	stdLogger := log.New(os.Stdout, "", log.Ldate|log.Ltime)
	l := &dLogLogger{
		name:   name,
		level:  INFO,
		logger: stdLogger,
	}
	loggers[name] = l
	return l
}

// SetLevelAll applies a level to every logger created so far. Loggers
// created later start at INFO again, so call this after all packages are
// loaded.
func SetLevelAll(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()

	for _, l := range loggers {
		l.SetLevel(level)
	}
}
