package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/italolelis/netxfer/internal/storage"
)

const selectTransfers = `SELECT
		id, url, method, status, response_code, error_domain, error_code, error,
		bytes_down, bytes_up, entry_path, started_at, finished_at
	FROM transfers`

type TransferReadRepository struct {
	db *sql.DB
}

func NewTransferReadRepository(dbConn *sql.DB) *TransferReadRepository {
	return &TransferReadRepository{db: dbConn}
}

// GetTransfer returns storage.ErrNotFound when no row has the given id.
func (r *TransferReadRepository) GetTransfer(ctx context.Context, id string) (storage.TransferRecord, error) {
	row := r.db.QueryRowContext(ctx, selectTransfers+` WHERE id = ?`, id)

	record, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.TransferRecord{}, storage.ErrNotFound
	}

	return record, err
}

// ListTransfers returns the most recently finished transfers first. An empty
// status matches every outcome; a non-positive limit returns everything.
func (r *TransferReadRepository) ListTransfers(ctx context.Context, status string, limit int) ([]storage.TransferRecord, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := r.db.QueryContext(ctx,
		selectTransfers+` WHERE (? = '' OR status = ?) ORDER BY finished_at DESC LIMIT ?`,
		status, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransfers(rows)
}

func (r *TransferReadRepository) ListFinishedBefore(ctx context.Context, before time.Time) ([]storage.TransferRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		selectTransfers+` WHERE finished_at < ? ORDER BY finished_at`, before.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransfers(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransfer(s scanner) (storage.TransferRecord, error) {
	var (
		record            storage.TransferRecord
		started, finished int64
	)

	err := s.Scan(
		&record.ID, &record.URL, &record.Method, &record.Status, &record.ResponseCode,
		&record.ErrorDomain, &record.ErrorCode, &record.Error,
		&record.BytesDown, &record.BytesUp, &record.EntryPath, &started, &finished,
	)
	if err != nil {
		return storage.TransferRecord{}, err
	}

	record.StartedAt = time.Unix(0, started).UTC()
	record.FinishedAt = time.Unix(0, finished).UTC()

	return record, nil
}

func scanTransfers(rows *sql.Rows) ([]storage.TransferRecord, error) {
	var records []storage.TransferRecord

	for rows.Next() {
		record, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}

		records = append(records, record)
	}

	return records, rows.Err()
}
