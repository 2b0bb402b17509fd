package entities

import (
	"time"

	"github.com/google/uuid"
)

// Export formats and delivery targets for transaction exports.
const (
	ExportFormatCSV     = "csv"
	ExportFormatParquet = "parquet"

	ExportTargetS3       = "s3"
	ExportTargetGCS      = "gcs"
	ExportTargetDownload = "download"
)

// ValidExportFormat reports whether f is a supported export format.
func ValidExportFormat(f string) bool {
	return f == ExportFormatCSV || f == ExportFormatParquet
}

// ValidExportTarget reports whether t is a supported delivery target.
func ValidExportTarget(t string) bool {
	return t == ExportTargetS3 || t == ExportTargetGCS || t == ExportTargetDownload
}

// ExportJob records one transaction export run for a tenant. The row is
// the durable ledger for data portability requests; file_ref names the
// object an uploader delivers to the target.
type ExportJob struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	TenantID     uuid.UUID  `json:"tenant_id" db:"tenant_id"`
	ExportFormat string     `json:"export_format" db:"export_format"`
	Target       string     `json:"target" db:"target"`
	Status       JobStatus  `json:"status" db:"status"`
	PeriodStart  *time.Time `json:"period_start,omitempty" db:"period_start"`
	PeriodEnd    *time.Time `json:"period_end,omitempty" db:"period_end"`
	FileRef      *string    `json:"file_ref,omitempty" db:"file_ref"`
	Stats        JSONMap    `json:"stats,omitempty" db:"stats"`
	ErrorMessage *string    `json:"error_message,omitempty" db:"error_message"`
	FinishedAt   *time.Time `json:"finished_at,omitempty" db:"finished_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

// MarkExportCompleted closes the export with its file reference and stats.
func (e *ExportJob) MarkExportCompleted(fileRef string, stats JSONMap) {
	now := time.Now().UTC()
	e.Status = JobStatusCompleted
	e.FileRef = &fileRef
	e.Stats = stats
	e.FinishedAt = &now
}

// MarkExportFailed closes the export with its failure cause.
func (e *ExportJob) MarkExportFailed(cause error) {
	now := time.Now().UTC()
	msg := cause.Error()
	e.Status = JobStatusFailed
	e.ErrorMessage = &msg
	e.FinishedAt = &now
}
