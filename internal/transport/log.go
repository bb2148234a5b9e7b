package transport

import (
	btclog "github.com/btcsuite/btclog/v2"

	"github.com/studyhive/realtime/internal/build"
)

// log is the package-level logger for the transport session.
var log = build.NewSubLogger("TRNS")

// UseLogger replaces the package-level logger.
func UseLogger(l btclog.Logger) {
	log = l
}
