package transport

import (
	"github.com/btcsuite/btclog"
	"github.com/davecgh/go-spew/spew"

	"github.com/1ureka/msnp2p/internal/protocol"
)

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

// logClosure defers building expensive log text until it is printed.
type logClosure func() string

func (c logClosure) String() string {
	return c()
}

func newLogClosure(c func() string) logClosure {
	return logClosure(c)
}

// headerDump renders a chunk header for trace logging.
func headerDump(h *protocol.Header) logClosure {
	return newLogClosure(func() string {
		return spew.Sdump(*h)
	})
}
