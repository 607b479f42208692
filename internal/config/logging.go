package config

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

func logLevel(s string) (logrus.Level, error) {
	if s == "" {
		return logrus.InfoLevel, nil
	}
	lvl, err := logrus.ParseLevel(s)
	if err != nil {
		return 0, errors.Wrapf(err, "config: bad log level %q", s)
	}
	return lvl, nil
}

// NewLogger builds the daemon logger from the log section: level,
// destination, and rotation when a file is configured.
func (c LogConfig) NewLogger() (*logrus.Logger, error) {
	lvl, err := logLevel(c.Level)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetLevel(lvl)
	if c.File != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    c.MaxSizeMB,
			MaxBackups: c.MaxBackups,
		})
	}
	return log, nil
}
