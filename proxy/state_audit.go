package proxy

import (
	"context"
	"os"
	"sync"

	"github.com/arrowctl/modelgate/event"
	"github.com/fxamacker/cbor/v2"
)

// stateAuditRecord is the on-disk shape of one ProcessStateChangeEvent. CBOR
// rather than JSON Lines: about half the bytes per record and the schema can
// grow a field later without invalidating records already on disk.
type stateAuditRecord struct {
	Process  string `cbor:"process"`
	Old      string `cbor:"old"`
	New      string `cbor:"new"`
	UnixNano int64  `cbor:"ts"`
}

// StateAuditLog appends every ProcessStateChangeEvent to a CBOR-encoded
// append-only file (it is never rotated), for post-mortem reconstruction of swap sequences. It is
// entirely optional; nothing in the dispatch path depends on it.
type StateAuditLog struct {
	mu      sync.Mutex
	file    *os.File
	encoder *cbor.Encoder
	cancel  context.CancelFunc
}

// OpenStateAuditLog opens (creating if necessary, appending otherwise) path
// and starts recording every ProcessStateChangeEvent published on the
// default event bus. Call Close to stop recording and release the file.
func OpenStateAuditLog(path string) (*StateAuditLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	log := &StateAuditLog{
		file:    f,
		encoder: cbor.NewEncoder(f),
	}

	log.cancel = event.On(func(e ProcessStateChangeEvent) {
		log.mu.Lock()
		defer log.mu.Unlock()
		record := stateAuditRecord{
			Process:  e.ProcessName,
			Old:      string(e.OldState),
			New:      string(e.NewState),
			UnixNano: e.Timestamp.UnixNano(),
		}
		// best-effort: a write failure here should not take down a swap
		_ = log.encoder.Encode(record)
	})

	return log, nil
}

// Close stops recording and closes the underlying file.
func (l *StateAuditLog) Close() error {
	l.cancel()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
