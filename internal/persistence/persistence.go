// Package persistence defines the durable, per-group, ordered log queue the
// channel batches from.
package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Chichichkin/telemetry-agent/internal/logging"
)

// ErrStorage is wrapped by every storage fault a Store reports.
var ErrStorage = errors.New("persistence: storage fault")

// Error describes a failed store operation.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("persistence %s: %v", e.Op, e.Err) }

func (e *Error) Unwrap() []error { return []error{ErrStorage, e.Err} }

// Fault wraps err as a storage fault for operation op.
func Fault(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// Batch is a set of rows retrieved together and marked pending until they are
// deleted or their pending state is cleared.
type Batch struct {
	ID    uuid.UUID
	Group string
	IDs   []int64
	Logs  []*logging.Log
}

// Len returns the number of logs in the batch.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Logs)
}

// Store is the durable log queue.
//
// Rows of a group are returned in insertion order. NextBatch marks the rows it
// returns pending atomically, so no row belongs to two outstanding batches.
type Store interface {
	// PutLog appends log to the group's queue and returns its row id.
	PutLog(ctx context.Context, group string, log *logging.Log) (int64, error)
	// NextBatch returns up to limit of the oldest non-pending rows of the
	// group and marks them pending. An empty batch is not an error.
	NextBatch(ctx context.Context, group string, limit int) (*Batch, error)
	// Delete permanently removes rows.
	Delete(ctx context.Context, ids []int64) error
	// ClearPending makes the group's pending rows eligible for retrieval again.
	ClearPending(ctx context.Context, group string) error
	// ClearPendingAll does ClearPending for every group.
	ClearPendingAll(ctx context.Context) error
	// Clear removes every row of a group.
	Clear(ctx context.Context, group string) error
	// ClearAll removes every row of every group.
	ClearAll(ctx context.Context) error
	// Count returns the number of rows, pending or not, held for the group.
	Count(ctx context.Context, group string) (int, error)
	Close() error
}
