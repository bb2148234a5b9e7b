// Package build provides logger construction shared by every subsystem.
package build

import (
	"io"
	"os"
	"sync"

	"github.com/btcsuite/btclog"
	btclogv2 "github.com/btcsuite/btclog/v2"
)

var (
	// mu guards the root handler and the subsystem handler list.
	mu sync.Mutex

	// rootHandler is the handler every subsystem logger derives from.
	rootHandler btclogv2.Handler = btclogv2.NewDefaultHandler(os.Stderr)

	// subHandlers tracks every handler handed out so level changes
	// apply to loggers created before the change.
	subHandlers []btclogv2.Handler

	// level is the current log level, applied to new handlers.
	level = btclog.LevelInfo
)

// SetLogWriter replaces the destination for all subsequently created
// subsystem loggers. Loggers created before the call keep their old
// writer.
func SetLogWriter(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	rootHandler = btclogv2.NewDefaultHandler(w)
}

// NewSubLogger returns a logger tagged with the given subsystem name.
func NewSubLogger(tag string) btclogv2.Logger {
	mu.Lock()
	defer mu.Unlock()

	h := rootHandler.SubSystem(tag)
	h.SetLevel(level)
	subHandlers = append(subHandlers, h)

	return btclogv2.NewSLogger(h)
}

// SetLogLevel applies the given level string (trace, debug, info, warn,
// error, critical, off) to all subsystem loggers. Unknown strings fall
// back to info.
func SetLogLevel(levelStr string) {
	mu.Lock()
	defer mu.Unlock()

	lvl, ok := btclog.LevelFromString(levelStr)
	if !ok {
		lvl = btclog.LevelInfo
	}

	level = lvl
	for _, h := range subHandlers {
		h.SetLevel(lvl)
	}
}
