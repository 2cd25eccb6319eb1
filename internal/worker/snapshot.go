package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/birbparty/fmdapi/dataapi"
	"github.com/birbparty/fmdapi/internal/mirror"
	"github.com/birbparty/fmdapi/internal/telemetry"
	"github.com/sirupsen/logrus"
)

// SnapshotResult summarizes a full layout resync
type SnapshotResult struct {
	Layout    string
	Seen      int
	Written   int
	Unchanged int
	Pruned    int64
	Duration  time.Duration
}

// Snapshot copies every record of layout into the mirror and removes
// mirrored rows the server no longer has. It repairs whatever the event
// stream missed.
func (p *Processor) Snapshot(ctx context.Context, layout string) (*SnapshotResult, error) {
	if p.config.Database == "" {
		return nil, errors.New("snapshot requires a database")
	}
	if layout == "" {
		return nil, errors.New("snapshot requires a layout")
	}

	start := time.Now()
	log := p.log.WithField("layout", layout)
	log.Info("Snapshot starting")

	result := &SnapshotResult{Layout: layout}
	var keep []string
	pageSize := p.config.SnapshotPageSize

	for offset := 1; ; offset += pageSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		pageStart := time.Now()
		page, err := p.source.GetRecords(ctx, layout,
			dataapi.WithOffset(offset),
			dataapi.WithLimit(pageSize),
		)
		if err != nil {
			if code, ok := dataapi.CodeOf(err); ok && code == dataapi.CodeNoRecords {
				break
			}
			return nil, fmt.Errorf("failed to read %s at offset %d: %w", layout, offset, err)
		}

		for _, rec := range page.Records {
			written, err := p.repo.Upsert(ctx, mirror.FromDataAPI(p.config.Database, layout, rec))
			if err != nil {
				return nil, fmt.Errorf("failed to mirror record %s: %w", rec.RecordID, err)
			}
			if written {
				result.Written++
			} else {
				result.Unchanged++
			}
			keep = append(keep, rec.RecordID)
		}
		result.Seen += len(page.Records)
		telemetry.RecordSyncBatch("snapshot", len(page.Records), time.Since(pageStart))

		log.WithFields(logrus.Fields{
			"offset": offset,
			"count":  len(page.Records),
		}).Debug("Snapshot page mirrored")

		if len(page.Records) < pageSize {
			break
		}
	}

	pruned, err := p.repo.DeleteMissing(ctx, p.config.Database, layout, keep)
	if err != nil {
		return nil, fmt.Errorf("failed to prune %s: %w", layout, err)
	}
	result.Pruned = pruned
	result.Duration = time.Since(start)

	log.WithFields(logrus.Fields{
		"seen":      result.Seen,
		"written":   result.Written,
		"unchanged": result.Unchanged,
		"pruned":    result.Pruned,
		"duration":  result.Duration,
	}).Info("Snapshot complete")

	return result, nil
}
