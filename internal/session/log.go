package session

import "github.com/btcsuite/btclog"

// log is a logger that is initialized with no output filters. The package
// does not log anything until the caller requests it with UseLogger.
var log btclog.Logger

func init() {
	DisableLog()
}

// DisableLog disables all library log output.
func DisableLog() {
	log = btclog.Disabled
}

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger btclog.Logger) {
	log = logger
}
