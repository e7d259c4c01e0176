package proxy

import (
	"sync"

	"github.com/creachadair/chainrpc"
)

// Inspect mode captures outbound batches for test introspection. It is off
// by default and global to the process.
var (
	inspectMu sync.Mutex
	inspectOn bool
	lastBatch *chainrpc.BatchRequest
)

// SetInspect enables or disables inspect mode. While enabled, every batch
// sent by any client in the process is recorded and retrievable with
// LastBatch. Batches are still delivered normally.
func SetInspect(on bool) {
	inspectMu.Lock()
	defer inspectMu.Unlock()
	inspectOn = on
	if !on {
		lastBatch = nil
	}
}

// LastBatch returns the most recently recorded batch, or nil.
func LastBatch() *chainrpc.BatchRequest {
	inspectMu.Lock()
	defer inspectMu.Unlock()
	return lastBatch
}

func recordBatch(req *chainrpc.BatchRequest) {
	inspectMu.Lock()
	defer inspectMu.Unlock()
	if inspectOn {
		lastBatch = req
	}
}
