// Package queue implements the event queue and work queue handlers: the
// transactional dequeue-apply-insert-delete cycle that turns one queued
// event row into zero or more work rows, and the cycle that turns one
// queued work row into one dispatched action.
//
// Generalized from internal/queue/sqlite_queue.go's struct shape and
// identity-tuple Ack idiom, moved from a WAL SQLite table to Postgres
// transactions with FOR UPDATE SKIP LOCKED claiming, following
// other_examples/6bbb0da7_..._pgqueue.go's sqlDequeue CTE shape.
package queue

import "encoding/json"

// Op is the row-level operation that produced an event queue row.
type Op byte

const (
	OpInsert Op = 'I'
	OpUpdate Op = 'U'
	OpDelete Op = 'D'
)

// EventItem is one row claimed from the event queue (spec §3 "QueueItem
// (event)"). Old, New, and SessionValues are raw JSON objects (nil when the
// column was SQL NULL) so that querybuilder.BindJSON can flatten them
// without an intermediate typed decode.
type EventItem struct {
	EventTableWorkItem    int64
	UID                   *int64
	Recorded              string // text form; bound as-is, never parsed
	PKValue               int64
	Op                    Op
	Action                int64
	TransactionLabel      *string
	WorkItemQuery         string
	ExecuteAsynchronously bool
	Old                   json.RawMessage
	New                   json.RawMessage
	SessionValues         json.RawMessage
	CTID                  string
}

// WorkItem is one row claimed from the work queue (spec §3 "QueueItem
// (work)"). ExecuteAsynchronously is carried over unchanged from the event
// row that produced it (SPEC_FULL.md Open Questions decision 2), opaque
// to this worker: nothing here branches on it, but downstream consumers of
// the work queue rely on it surviving the event-to-work transition.
type WorkItem struct {
	Parameters            json.RawMessage
	UID                   *int64
	Recorded              string
	TransactionLabel      *string
	Action                int64
	SessionValues         json.RawMessage
	ExecuteAsynchronously bool
	CTID                  string
}

// ActionDescriptor resolves a work item's Action id into either a SQL
// query template or an HTTP call descriptor. Exactly one of Query and URI
// is populated; a row with both (or neither) populated is a caller-side
// data error, not represented by this type but rejected by the dispatcher
// (spec §3 "ActionDescriptor").
type ActionDescriptor struct {
	Query            *string
	URI              *string
	Method           string // GET, PUT, or POST, scanned as stored; httpexec treats "" as GET
	UseSSL           bool
	StaticParameters json.RawMessage
}
