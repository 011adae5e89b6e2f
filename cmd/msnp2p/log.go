package main

import (
	"os"

	"github.com/btcsuite/btclog"

	"github.com/1ureka/msnp2p/internal/peer"
	"github.com/1ureka/msnp2p/internal/relay"
	"github.com/1ureka/msnp2p/internal/session"
	"github.com/1ureka/msnp2p/internal/transport"
)

// backendLog is the logging backend used to create all subsystem loggers.
var backendLog = btclog.NewBackend(os.Stderr)

// subsystemLoggers maps each subsystem identifier to its logger.
var subsystemLoggers = map[string]btclog.Logger{
	"TRNS": backendLog.Logger("TRNS"),
	"SESS": backendLog.Logger("SESS"),
	"PEER": backendLog.Logger("PEER"),
	"RLAY": backendLog.Logger("RLAY"),
}

func init() {
	transport.UseLogger(subsystemLoggers["TRNS"])
	session.UseLogger(subsystemLoggers["SESS"])
	peer.UseLogger(subsystemLoggers["PEER"])
	relay.UseLogger(subsystemLoggers["RLAY"])
}

// setLogLevels sets the level of every subsystem logger. Unknown levels
// fall back to info.
func setLogLevels(level string) {
	lvl, ok := btclog.LevelFromString(level)
	if !ok {
		lvl = btclog.LevelInfo
	}
	for _, logger := range subsystemLoggers {
		logger.SetLevel(lvl)
	}
}
