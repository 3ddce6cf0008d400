package bridge

import (
	"sync"

	"go.uber.org/zap"
)

var (
	logger    *zap.Logger
	loggerMu  sync.RWMutex
	nopLogger = zap.NewNop()
)

// Logger returns the bridge logger. It is a no-op logger unless SetLogger
// was called.
func Logger() *zap.Logger {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l == nil {
		return nopLogger
	}
	return l
}

// SetLogger replaces the bridge logger. A nil logger restores the no-op
// logger.
func SetLogger(l *zap.Logger) {
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
}
