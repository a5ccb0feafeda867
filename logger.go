package otbr

// Logger is the leveled, structured logger handed to every component. The
// agent backs it with logrus, tests pass a NullLogger.
type Logger interface {
	Tracef(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	Trace(args ...interface{})
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})

	WithField(key string, value interface{}) Logger
	WithError(err error) Logger
}

// NullLogger discards everything.
type NullLogger struct{}

func (*NullLogger) Tracef(string, ...interface{}) {}
func (*NullLogger) Debugf(string, ...interface{}) {}
func (*NullLogger) Infof(string, ...interface{})  {}
func (*NullLogger) Warnf(string, ...interface{})  {}
func (*NullLogger) Errorf(string, ...interface{}) {}

func (*NullLogger) Trace(...interface{}) {}
func (*NullLogger) Debug(...interface{}) {}
func (*NullLogger) Info(...interface{})  {}
func (*NullLogger) Warn(...interface{})  {}
func (*NullLogger) Error(...interface{}) {}

func (l *NullLogger) WithField(string, interface{}) Logger { return l }
func (l *NullLogger) WithError(error) Logger               { return l }
