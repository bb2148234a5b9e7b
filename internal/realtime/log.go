package realtime

import (
	btclog "github.com/btcsuite/btclog/v2"

	"github.com/studyhive/realtime/internal/build"
)

// log is the package-level logger for the client facade.
var log = build.NewSubLogger("RLTM")

// UseLogger replaces the package-level logger.
func UseLogger(l btclog.Logger) {
	log = l
}
