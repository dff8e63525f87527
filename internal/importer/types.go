// Package importer implements the batch CSV import pipeline: validation with
// automatic column mapping, chunked asynchronous processing with duplicate
// detection and partial-failure tolerance, and live progress publication.
// The package has no HTTP dependencies; internal/web binds it to transport.
package importer

import (
	"time"
)

// JobStatus is the lifecycle state of an import job.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusParsing    JobStatus = "parsing"
	StatusValidating JobStatus = "validating"
	StatusProcessing JobStatus = "processing"
	StatusFinalizing JobStatus = "finalizing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status is absorbing: no transitions follow it.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Severity classifies a row diagnostic.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// RowError is a row-scoped diagnostic produced during validation or import.
// Row is the 1-based source line number; 0 marks file- or schema-level
// diagnostics that have no single source line.
type RowError struct {
	Row      int      `json:"row"`
	Field    string   `json:"field,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// ImportJob is the progress snapshot of one import.
//
// The owning orchestrator goroutine is the only writer; everyone else reads
// clones taken through the JobStore or the Publisher. The counter identity
// ProcessedRows == SuccessfulRows + FailedRows + SkippedRows holds at every
// published snapshot, and ProcessedRows never exceeds TotalRows.
type ImportJob struct {
	JobID           string     `json:"jobId"`
	Status          JobStatus  `json:"status"`
	TotalRows       int        `json:"totalRows"`
	ProcessedRows   int        `json:"processedRows"`
	SuccessfulRows  int        `json:"successfulRows"`
	FailedRows      int        `json:"failedRows"`
	SkippedRows     int        `json:"skippedRows"`
	CurrentChunk    int        `json:"currentChunk"`
	TotalChunks     int        `json:"totalChunks"`
	Errors          []RowError `json:"errors"`
	ErrorCount      int        `json:"errorCount"`
	Message         string     `json:"message,omitempty"`
	StartedAt       time.Time  `json:"startedAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	CancelRequested bool       `json:"cancelRequested"`
	EtaSeconds      int        `json:"etaSeconds,omitempty"`
}

// Clone returns a deep copy safe to hand to readers.
func (j *ImportJob) Clone() *ImportJob {
	cp := *j
	if j.Errors != nil {
		cp.Errors = make([]RowError, len(j.Errors))
		copy(cp.Errors, j.Errors)
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// ChunkSizes is the set of supported chunk sizes. Smaller chunks publish
// progress more often; larger chunks trade update frequency for throughput.
var ChunkSizes = []int{50, 100, 250, 500}

// DefaultChunkSize is used when the caller does not pick one.
const DefaultChunkSize = 100

// ImportOptions configures one import job. Supplied once at Start and
// immutable for the job's lifetime.
type ImportOptions struct {
	// SkipErrors continues past row failures when true; when false the first
	// failed row aborts the whole job.
	SkipErrors bool `json:"skipErrors"`

	// DetectDuplicates enables composite-key duplicate skipping.
	DetectDuplicates bool `json:"detectDuplicates"`

	// DuplicateKey is a comma-separated list of target-field names forming
	// the composite key, e.g. "mrn,admit_date".
	DuplicateKey string `json:"duplicateKey"`

	// ChunkSize is the number of rows processed per publish cycle.
	ChunkSize int `json:"chunkSize"`

	// PresetID references a saved mapping preset; empty means auto-map.
	PresetID string `json:"presetId,omitempty"`
}

// NormalizedChunkSize snaps ChunkSize to the nearest supported value.
// Non-positive values fall back to the default.
func (o ImportOptions) NormalizedChunkSize() int {
	if o.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	best := ChunkSizes[0]
	for _, s := range ChunkSizes {
		if abs(o.ChunkSize-s) < abs(o.ChunkSize-best) {
			best = s
		}
	}
	return best
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// DetectedColumn records one inferred column-to-field mapping.
type DetectedColumn struct {
	Column     string  `json:"column"`
	Field      string  `json:"field"` // Empty when no target field matched
	Confidence float64 `json:"confidence"`
}

// ValidationResult is the outcome of the read-only first pass over a file.
// Immutable once produced; the pipeline does not retain it.
type ValidationResult struct {
	TotalRows       int              `json:"totalRows"`
	DetectedColumns []DetectedColumn `json:"detectedColumns"`
	SampleRows      [][]string       `json:"sampleRows"`
	Errors          []RowError       `json:"errors"`
	Warnings        []RowError       `json:"warnings"`
	IsValid         bool             `json:"isValid"`
}
