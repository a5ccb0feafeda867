package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	otbr "github.com/threadbr/go-otbr"
)

// logrusLogger backs otbr.Logger with a logrus entry. The leveled methods
// are promoted from the entry, only the field helpers need wrapping.
type logrusLogger struct {
	*logrus.Entry
}

var _ otbr.Logger = logrusLogger{}

func (l logrusLogger) WithField(key string, value interface{}) otbr.Logger {
	return logrusLogger{l.Entry.WithField(key, value)}
}

func (l logrusLogger) WithError(err error) otbr.Logger {
	return logrusLogger{l.Entry.WithError(err)}
}

// newLogger configures the standard logrus logger for the agent.
func newLogger(level string) (otbr.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", level, err)
	}

	logger := logrus.StandardLogger()
	logger.SetLevel(lvl)
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	return logrusLogger{logrus.NewEntry(logger)}, nil
}

// moduleLogger tags every line of log with the component name.
func moduleLogger(log otbr.Logger, module string) otbr.Logger {
	if log == nil {
		return &otbr.NullLogger{}
	}

	return log.WithField("module", module)
}
