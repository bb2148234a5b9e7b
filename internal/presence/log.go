package presence

import (
	btclog "github.com/btcsuite/btclog/v2"

	"github.com/studyhive/realtime/internal/build"
)

// log is the package-level logger for presence tracking.
var log = build.NewSubLogger("PRSN")

// UseLogger replaces the package-level logger.
func UseLogger(l btclog.Logger) {
	log = l
}
