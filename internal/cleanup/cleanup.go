package cleanup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/netxfer/internal/logctx"
	"github.com/italolelis/netxfer/internal/storage"
)

// Journal is the subset of the transfer repository the retention pass needs.
type Journal interface {
	ListFinishedBefore(ctx context.Context, before time.Time) ([]storage.TransferRecord, error)
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error)
}

// OutputPattern returns the glob matching the files written into dir for a transfer id.
func OutputPattern(dir, id string) string {
	return filepath.Join(dir, id+"-*")
}

// DeleteExpired removes the output files of transfers that finished more than
// keepDuration ago and then prunes their journal rows. A zero keepDuration
// keeps everything.
func DeleteExpired(ctx context.Context, journal Journal, dir string, keepDuration time.Duration) error {
	if keepDuration <= 0 {
		return nil
	}

	logger := logctx.LoggerFromContext(ctx)
	cutoff := time.Now().Add(-keepDuration)

	expired, err := journal.ListFinishedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to list expired transfers: %w", err)
	}

	var errs []error

	for _, rec := range expired {
		if err := deleteOutput(ctx, dir, rec); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	n, err := journal.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune journal: %w", err)
	}

	if n > 0 {
		logger.Info("Pruned transfer journal", "records", n, "before", cutoff.Format(time.RFC3339))
	}

	return nil
}

func deleteOutput(ctx context.Context, dir string, rec storage.TransferRecord) error {
	logger := logctx.LoggerFromContext(ctx)

	files, err := filepath.Glob(OutputPattern(dir, rec.ID))
	if err != nil {
		return err
	}

	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			if os.IsNotExist(err) {
				continue // already deleted
			}

			logger.Error("Failed to stat file", "file", file, "err", err)

			return err
		}

		if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
			logger.Error("Failed to delete expired file", "file", file, "err", err)

			return err
		}

		logger.Info("Deleted expired file", "file", file, "size", humanize.Bytes(uint64(info.Size())), "transfer_id", rec.ID)
	}

	return nil
}
