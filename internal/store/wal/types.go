// Package wal is the write-ahead log half of the Record Store Adapter's
// durability pipeline (spec §4.5, §6.3): every mutation accepted by
// internal/store is appended here before the in-memory table is updated,
// so a crash can never lose an acknowledged write. internal/store/snapshot
// is the other half — periodic full-table dumps that let replay start
// from something newer than "the beginning of time".
package wal

import "github.com/kueuedb/kueue/pkg/types"

// EventType names the kind of mutation a WAL record describes. These
// mirror the operations the state machine and scheduler perform on a
// job document, not the caller-facing RPC method names.
type EventType string

const (
	EventSave     EventType = "save"     // insert, or an edit to a waiting/paused job
	EventPromote  EventType = "promote"  // waiting -> ready
	EventDispatch EventType = "dispatch" // ready -> running, runId minted
	EventProgress EventType = "progress" // progress update on a running job
	EventLog      EventType = "log"      // log line appended
	EventDone     EventType = "done"     // running -> completed, cascade applied
	EventFail     EventType = "fail"     // running -> failed or -> waiting (retry)
	EventCancel   EventType = "cancel"   // -> cancelled
	EventRestart  EventType = "restart"  // cancelled/failed -> waiting
	EventRepeat   EventType = "repeat"   // clone spawned on completion
	EventRemove   EventType = "remove"   // document deleted
)

// Event is one WAL record. Job carries the full post-mutation document so
// that Replay can reconstruct the store's state purely from these
// records plus the most recent snapshot, without needing to re-derive
// field-level deltas. Job is nil only for EventRemove.
type Event struct {
	Seq       uint64      `json:"seq"`
	Type      EventType   `json:"type"`
	JobID     types.JobID `json:"jobId"`
	Timestamp int64       `json:"timestamp"` // unix millis
	Checksum  uint32      `json:"checksum"`
	Job       *types.Job  `json:"job,omitempty"`
}

// Handler applies a replayed event to whatever state is being rebuilt
// (the in-memory store on startup, a test fixture, and so on). Handlers
// must be idempotent: Replay does not deduplicate, and a crash between
// an fsync and the in-memory apply means the same event can be replayed
// more than once.
type Handler func(event *Event) error
