package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/netxfer/internal/storage"
)

type TransferWriteRepository struct {
	db *sql.DB
}

func NewTransferWriteRepository(dbConn *sql.DB) *TransferWriteRepository {
	return &TransferWriteRepository{db: dbConn}
}

// RecordTransfer stores a finished transfer. Recording the same id twice keeps the latest outcome.
func (r *TransferWriteRepository) RecordTransfer(ctx context.Context, rec storage.TransferRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO transfers (
			id, url, method, status, response_code, error_domain, error_code, error,
			bytes_down, bytes_up, entry_path, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			response_code = excluded.response_code,
			error_domain = excluded.error_domain,
			error_code = excluded.error_code,
			error = excluded.error,
			bytes_down = excluded.bytes_down,
			bytes_up = excluded.bytes_up,
			entry_path = excluded.entry_path,
			finished_at = excluded.finished_at
	`,
		rec.ID, rec.URL, rec.Method, rec.Status, rec.ResponseCode, rec.ErrorDomain, rec.ErrorCode, rec.Error,
		rec.BytesDown, rec.BytesUp, rec.EntryPath, rec.StartedAt.UnixNano(), rec.FinishedAt.UnixNano(),
	)

	return err
}

// DeleteFinishedBefore removes records that finished before the given time.
func (r *TransferWriteRepository) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM transfers WHERE finished_at < ?`, before.UnixNano())
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}
