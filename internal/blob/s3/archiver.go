package s3blob

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/quantora/strategyworker/internal/domain"
)

// Archiver implements domain.ArtifactArchiver: completed execution payloads
// are written to the blob store, partitioned by date, so the primary
// database keeps only the row-level record.
type Archiver struct {
	writer *Writer
	now    func() time.Time
}

// NewArchiver creates an Archiver on top of the given writer.
func NewArchiver(writer *Writer) *Archiver {
	return &Archiver{writer: writer, now: time.Now}
}

var _ domain.ArtifactArchiver = (*Archiver)(nil)

// ArchiveExecution uploads one execution artifact as JSON under
// executions/YYYY-MM-DD/<execution_id>.json.
func (a *Archiver) ArchiveExecution(ctx context.Context, executionID string, payload []byte) error {
	path := executionPath(executionID, a.now())
	if err := a.writer.Put(ctx, path, bytes.NewReader(payload), "application/json"); err != nil {
		return fmt.Errorf("s3blob: archive execution %s: %w", executionID, err)
	}
	return nil
}

// executionPath builds the S3 key for an execution artifact, partitioned by
// day:
//
//	executions/2026-08-24/<execution_id>.json
func executionPath(executionID string, at time.Time) string {
	return fmt.Sprintf("executions/%s/%s.json", at.Format("2006-01-02"), executionID)
}
