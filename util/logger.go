package util

import (
	"github.com/juju/errors"
	"go.uber.org/zap"
	"sync"
)

var (
	loggerLock sync.Mutex
	logger     *zap.Logger
)

// GetLogger returns the shared logger tagged with the calling package and function.
func GetLogger(packageName, function string) *zap.Logger {
	loggerLock.Lock()
	if logger == nil {
		logger = buildLogger()
	}
	l := logger
	loggerLock.Unlock()
	return l.With(zap.String("package", packageName), zap.String("function", function))
}

// SetupLoggerConfig rebuilds the shared logger from config. The previous
// logger stays in place when config cannot be built.
func SetupLoggerConfig(config zap.Config) error {
	l, err := config.Build()
	if err != nil {
		return errors.Annotate(err, "unable to build logger")
	}
	loggerLock.Lock()
	logger = l
	loggerLock.Unlock()
	return nil
}

// UseLogger replaces the shared logger, mostly for tests and hosts with their own zap setup.
func UseLogger(l *zap.Logger) {
	loggerLock.Lock()
	logger = l
	loggerLock.Unlock()
}

func buildLogger() *zap.Logger {
	config := GetConfig().Logger
	l, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}
