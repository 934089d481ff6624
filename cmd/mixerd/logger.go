// logger.go - Structured logging for the mixer daemon
package main

import (
	"fmt"
	"log"
	"os"
	"time"
)

// LogLevel represents the logging level
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

func parseLevel(level string) LogLevel {
	switch level {
	case "debug":
		return DEBUG
	case "warn":
		return WARN
	case "error":
		return ERROR
	case "fatal":
		return FATAL
	default:
		return INFO
	}
}

func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "INFO"
	}
}

// Logger writes levelled log lines to the console and, optionally, to a log
// file. Warnings and errors are additionally mirrored to the audit log,
// which records every rejected deposit/withdrawal attempt.
type Logger struct {
	level    LogLevel
	file     *os.File
	fileLog  *log.Logger
	console  *log.Logger
	auditLog *log.Logger
}

// NewLogger creates a new logger instance
func NewLogger(level string, logFile string, auditFile string) (*Logger, error) {
	logger := &Logger{
		level:   parseLevel(level),
		console: log.New(os.Stdout, "", log.LstdFlags),
	}

	if logFile != "" {
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		logger.file = file
		logger.fileLog = log.New(file, "", log.LstdFlags)
	}

	if auditFile != "" {
		audit, err := os.OpenFile(auditFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit file: %w", err)
		}
		logger.auditLog = log.New(audit, "", log.LstdFlags)
	}

	return logger, nil
}

// Close closes the logger and its files
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *Logger) log(level LogLevel, format string, args ...interface{}) {
	if level < l.level {
		return
	}

	message := fmt.Sprintf(format, args...)
	entry := fmt.Sprintf("%s: %s", level, message)

	l.console.Print(entry)
	if l.fileLog != nil {
		l.fileLog.Print(entry)
	}
	if l.auditLog != nil && level >= WARN {
		l.auditLog.Print(entry)
	}
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(DEBUG, format, args...)
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(INFO, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(WARN, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(ERROR, format, args...)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(format string, args ...interface{}) {
	l.log(FATAL, format, args...)
	os.Exit(1)
}

// Audit logs a protocol event to the audit log
func (l *Logger) Audit(event string, details map[string]interface{}) {
	if l.auditLog != nil {
		timestamp := time.Now().Format("2006-01-02 15:04:05")
		l.auditLog.Printf("[%s] AUDIT: %s - %+v", timestamp, event, details)
	}
}
