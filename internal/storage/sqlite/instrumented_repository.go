package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/netxfer/internal/storage"
	"github.com/italolelis/netxfer/internal/telemetry"
)

// InstrumentedTransferRepository wraps the read and write repositories with telemetry.
type InstrumentedTransferRepository struct {
	read      *TransferReadRepository
	write     *TransferWriteRepository
	telemetry *telemetry.Telemetry
}

var (
	_ storage.TransferReadRepository  = (*InstrumentedTransferRepository)(nil)
	_ storage.TransferWriteRepository = (*InstrumentedTransferRepository)(nil)
)

// NewInstrumentedTransferRepository creates a new instrumented transfer repository.
func NewInstrumentedTransferRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedTransferRepository {
	return &InstrumentedTransferRepository{
		read:      NewTransferReadRepository(dbConn),
		write:     NewTransferWriteRepository(dbConn),
		telemetry: tel,
	}
}

// GetTransfer retrieves one record with telemetry.
func (r *InstrumentedTransferRepository) GetTransfer(ctx context.Context, id string) (storage.TransferRecord, error) {
	var result storage.TransferRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_transfer", func(ctx context.Context) error {
		var err error

		result, err = r.read.GetTransfer(ctx, id)

		return err
	})

	return result, err
}

// ListTransfers lists records with telemetry.
func (r *InstrumentedTransferRepository) ListTransfers(ctx context.Context, status string, limit int) ([]storage.TransferRecord, error) {
	var result []storage.TransferRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "list_transfers", func(ctx context.Context) error {
		var err error

		result, err = r.read.ListTransfers(ctx, status, limit)

		return err
	})

	return result, err
}

func (r *InstrumentedTransferRepository) ListFinishedBefore(ctx context.Context, before time.Time) ([]storage.TransferRecord, error) {
	var result []storage.TransferRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "list_finished_before", func(ctx context.Context) error {
		var err error

		result, err = r.read.ListFinishedBefore(ctx, before)

		return err
	})

	return result, err
}

// RecordTransfer stores a record with telemetry.
func (r *InstrumentedTransferRepository) RecordTransfer(ctx context.Context, rec storage.TransferRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "record_transfer", func(ctx context.Context) error {
		return r.write.RecordTransfer(ctx, rec)
	})
}

// DeleteFinishedBefore prunes records with telemetry.
func (r *InstrumentedTransferRepository) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	var n int64

	err := r.telemetry.InstrumentDBOperation(ctx, "delete_finished_before", func(ctx context.Context) error {
		var err error

		n, err = r.write.DeleteFinishedBefore(ctx, before)

		return err
	})

	return n, err
}
