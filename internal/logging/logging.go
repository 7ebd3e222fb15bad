// Package logging builds the logrus loggers used by the orbtrace commands.
package logging

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// New returns a logger writing to w at the named level. Entries carrying a
// "prefix" field are rendered with that prefix as a component tag.
func New(level string, w io.Writer) (*logrus.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetFormatter(&prefixed.TextFormatter{
		TimestampFormat: "15:04:05",
		FullTimestamp:   true,
		ForceFormatting: true,
	})
	logger.SetOutput(w)
	logger.SetLevel(lvl)
	return logger, nil
}

// ParseLevel accepts a logrus level name. An empty name is info.
func ParseLevel(level string) (logrus.Level, error) {
	level = strings.TrimSpace(level)
	if level == "" {
		return logrus.InfoLevel, nil
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return 0, fmt.Errorf("logging: %w", err)
	}
	return lvl, nil
}

// Discard returns a logger that drops everything.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
