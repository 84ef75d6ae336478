package logger

import (
	"io"
	"os"
	"strings"

	"github.com/GY-Bai/baidaohui5/internal/config"
	"github.com/sirupsen/logrus"
)

// New builds the process logger from the LOG_* settings. Unknown levels
// fall back to info.
func New(cfg config.Log) *logrus.Logger {
	return NewWithOutput(cfg, os.Stdout)
}

func NewWithOutput(cfg config.Log, out io.Writer) *logrus.Logger {
	logg := logrus.New()
	logg.SetOutput(out)

	if strings.EqualFold(cfg.Format, "text") {
		logg.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logg.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logg.SetLevel(level)

	return logg
}

// Discard returns a logger that drops everything; handy in tests.
func Discard() *logrus.Logger {
	logg := logrus.New()
	logg.SetOutput(io.Discard)
	return logg
}
