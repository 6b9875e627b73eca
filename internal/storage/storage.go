package storage

import (
	"context"
	"errors"
	"time"
)

// Transfer outcomes stored in the journal.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// ErrNotFound is returned when no record matches the requested id.
var ErrNotFound = errors.New("transfer record not found")

// TransferRecord represents a finished transfer.
type TransferRecord struct {
	ID           string
	URL          string
	Method       string
	Status       string
	ResponseCode int
	ErrorDomain  string
	ErrorCode    int
	Error        string
	BytesDown    int64
	BytesUp      int64
	EntryPath    string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Duration returns how long the transfer ran.
func (r TransferRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// TransferReadRepository reads the journal.
type TransferReadRepository interface {
	GetTransfer(ctx context.Context, id string) (TransferRecord, error)
	ListTransfers(ctx context.Context, status string, limit int) ([]TransferRecord, error)
	ListFinishedBefore(ctx context.Context, before time.Time) ([]TransferRecord, error)
}

// TransferWriteRepository writes the journal.
type TransferWriteRepository interface {
	RecordTransfer(ctx context.Context, record TransferRecord) error
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error)
}
