package integration

import (
	"context"
	"encoding/json"
	"fmt"
)

// ReportPrefix is the object key prefix of archived failure reports
const ReportPrefix = "sync-reports"

// ObjectUploader stores a blob under a key. storage.S3ObjectStorage and
// storage.MemoryObjectStorage implement it.
type ObjectUploader interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
}

// Archiver persists the report of a run that had failures
type Archiver interface {
	Archive(ctx context.Context, rec RunRecord) (string, error)
}

// ReportArchiver writes run reports as JSON objects
type ReportArchiver struct {
	uploader ObjectUploader
}

// NewReportArchiver creates a ReportArchiver
func NewReportArchiver(uploader ObjectUploader) *ReportArchiver {
	return &ReportArchiver{uploader: uploader}
}

// ReportKey returns the object key of a run report
func ReportKey(rec RunRecord) string {
	return fmt.Sprintf("%s/%s/%s/%s.json", ReportPrefix, rec.TenantID, rec.IntegrationID, rec.RunID)
}

// Archive uploads the report and returns its key
func (a *ReportArchiver) Archive(ctx context.Context, rec RunRecord) (string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode sync report: %w", err)
	}
	key := ReportKey(rec)
	if err := a.uploader.Upload(ctx, key, data, "application/json"); err != nil {
		return "", err
	}
	return key, nil
}
