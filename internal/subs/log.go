package subs

import (
	btclog "github.com/btcsuite/btclog/v2"

	"github.com/studyhive/realtime/internal/build"
)

// log is the package-level logger for the subscription registry.
var log = build.NewSubLogger("SUBS")

// UseLogger replaces the package-level logger.
func UseLogger(l btclog.Logger) {
	log = l
}
