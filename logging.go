package duneshelf

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// defaultLogger is the package-wide fallback logger, used by any Env that
// hasn't been given one of its own via SetLogger. It writes human-readable
// output to stderr and defaults to Info level; callers embedding this
// engine in a service typically replace it with their own structured
// sink via SetLogger.
var defaultLogger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
	Level(zerolog.InfoLevel).
	With().Timestamp().Logger()

var debugEnabledMu sync.Mutex

// SetDebugLog raises or lowers the default logger's level between Debug
// and Info. Kept for callers that just want a global verbosity toggle
// rather than supplying a full logger via SetLogger.
func SetDebugLog(enabled bool) {
	debugEnabledMu.Lock()
	defer debugEnabledMu.Unlock()
	if enabled {
		defaultLogger = defaultLogger.Level(zerolog.DebugLevel)
	} else {
		defaultLogger = defaultLogger.Level(zerolog.InfoLevel)
	}
}

// SetLogger installs a custom logger on env, used for every log line this
// environment emits afterward (commits, background flushes, reader
// cleanup, remap events). Passing a zero zerolog.Logger silences logging
// for this environment.
func (e *Env) SetLogger(logger zerolog.Logger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logger = logger
	e.hasLogger = true
}

// log returns the environment's logger, falling back to the package
// default if none was installed with SetLogger.
func (e *Env) log() *zerolog.Logger {
	if e.hasLogger {
		return &e.logger
	}
	return &defaultLogger
}
