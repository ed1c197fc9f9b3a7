package config

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger builds a logger from the log settings. Unknown levels fall back
// to info.
func NewLogger(c LogConfig, out io.Writer) *logrus.Logger {
	logg := logrus.New()
	if c.Format == "text" {
		logg.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logg.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logg.SetLevel(level)
	if out == nil {
		out = os.Stdout
	}
	logg.SetOutput(out)
	return logg
}

func LogError(logger logrus.FieldLogger, moduleName string, funcName string, context string, data any, err error) {
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
