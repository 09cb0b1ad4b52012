package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

var logg *logrus.Logger

func init() {
	// A local .env file, when present, feeds every env read below.
	_ = godotenv.Load()
	logg = newLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
}

// GetLogger returns the process-wide logger. LOG_FORMAT=text switches from JSON for local runs.
func GetLogger() *logrus.Logger {
	return logg
}

func newLogger(level, format string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	}
	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}

// connectBackoff is the wait before reconnect attempt n+1: 2s, 4s, 8s ... capped at 30s.
func connectBackoff(attempt int) time.Duration {
	d := 2 * time.Second << min(attempt-1, 4)
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// LogError logs err with the module and function it came from. logger may be a *logrus.Logger
// or an *logrus.Entry already carrying request or run fields; a nil logger drops the line.
func LogError(logger logrus.FieldLogger, moduleName string, funcName string, context string, data any, err error) {
	if err == nil {
		return
	}
	switch l := logger.(type) {
	case nil:
		return
	case *logrus.Logger:
		if l == nil {
			return
		}
	case *logrus.Entry:
		if l == nil {
			return
		}
	}
	fields := logrus.Fields{
		"module":   moduleName,
		"funcName": funcName,
		"context":  context,
	}
	if data != nil {
		fields["data"] = data
	}
	logger.WithFields(fields).Error(err.Error())
}
