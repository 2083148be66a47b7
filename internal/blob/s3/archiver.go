package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bracketquant/execcore/internal/domain"
)

// RunArchiveStore is the slice of the run store the archiver reads. The
// Postgres RunStore satisfies it implicitly; the archiver never sees the
// full conditional-write surface.
type RunArchiveStore interface {
	// ListTerminalRunsBefore returns COMPLETED and FAILED runs whose last
	// update is strictly before the cutoff. In-flight runs are never
	// returned.
	ListTerminalRunsBefore(ctx context.Context, before time.Time) ([]domain.Run, error)

	// GetAllTradeResults returns every trade row of a run.
	GetAllTradeResults(ctx context.Context, runID string) ([]domain.Trade, error)
}

// ArchiveImpl implements domain.Archiver: terminal runs past their TTL are
// serialized to JSONL (one run per line, trades embedded) and uploaded to
// cold storage, partitioned by the cutoff's year-month.
//
// Deletion of the archived rows from the primary store is intentionally NOT
// performed here; that is a separate, explicit step to be executed after the
// archive has been verified.
type ArchiveImpl struct {
	writer domain.BlobWriter
	runs   RunArchiveStore
	audit  domain.AuditStore
}

// NewArchiver creates a new ArchiveImpl. audit may be nil.
func NewArchiver(writer domain.BlobWriter, runs RunArchiveStore, audit domain.AuditStore) *ArchiveImpl {
	return &ArchiveImpl{
		writer: writer,
		runs:   runs,
		audit:  audit,
	}
}

// archivedRun is the on-archive shape: the run row plus its trade rows, so a
// restore never has to join across files.
type archivedRun struct {
	Run    domain.Run     `json:"run"`
	Trades []domain.Trade `json:"trades"`
}

// ArchiveRuns queries terminal runs older than the cutoff, serializes each
// with its trades to a JSONL file at archive/runs/YYYY-MM.jsonl, records the
// archival in the audit log, and returns the number of runs archived.
func (a *ArchiveImpl) ArchiveRuns(ctx context.Context, before time.Time) (int64, error) {
	runs, err := a.runs.ListTerminalRunsBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive runs query: %w", err)
	}
	if len(runs) == 0 {
		return 0, nil
	}

	records := make([]archivedRun, 0, len(runs))
	for _, run := range runs {
		trades, err := a.runs.GetAllTradeResults(ctx, run.RunID)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive run %s trades: %w", run.RunID, err)
		}
		records = append(records, archivedRun{Run: run, Trades: trades})
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive runs marshal: %w", err)
	}

	path := archivePath("runs", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive runs upload: %w", err)
	}

	count := int64(len(records))

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.runs", map[string]any{
			"path":   path,
			"count":  count,
			"before": before.Format(time.RFC3339),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive runs audit log: %w", err)
		}
	}

	return count, nil
}

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/runs/2026-07.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Compile-time interface check.
var _ domain.Archiver = (*ArchiveImpl)(nil)
