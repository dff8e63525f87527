package importer

// orchestrator.go drives import jobs through their lifecycle:
//
//	queued → parsing → validating → processing → finalizing →
//	{completed | failed | cancelled}
//
// Start returns a job ID immediately; a per-job goroutine owns the ImportJob
// struct and is its only writer. Chunks are strictly sequential: chunk n+1
// never starts before chunk n's counters and dedupe marks are committed,
// which keeps first-occurrence-wins duplicate semantics, the abort policy,
// and progress reporting deterministic. Snapshots are saved and published
// once per chunk, not per row. Cancellation is cooperative and takes effect
// at the next chunk boundary.

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/carelane/importd/internal/schema"
)

// DefaultErrorCap bounds the error list carried in live snapshots. The full
// list stays available through GetErrors.
const DefaultErrorCap = 50

// Orchestrator creates and runs import jobs.
type Orchestrator struct {
	store    JobStore
	sink     ErrorSink
	pub      *Publisher
	limiter  *JobLimiter
	catalog  schema.Catalog
	presets  *PresetStore
	errorCap int
	log      *slog.Logger

	mu     sync.Mutex
	active map[string]*jobRun

	// afterChunk runs after each chunk's snapshot is published. Tests use it
	// to interleave cancellation with a running job.
	afterChunk func(jobID string, chunk int)
}

type jobRun struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// NewOrchestrator wires an orchestrator. presets may be nil; errorCap <= 0
// selects the default.
func NewOrchestrator(store JobStore, sink ErrorSink, pub *Publisher, limiter *JobLimiter, cat schema.Catalog, presets *PresetStore, errorCap int) *Orchestrator {
	if errorCap <= 0 {
		errorCap = DefaultErrorCap
	}
	return &Orchestrator{
		store:    store,
		sink:     sink,
		pub:      pub,
		limiter:  limiter,
		catalog:  cat,
		presets:  presets,
		errorCap: errorCap,
		log:      slog.Default(),
		active:   make(map[string]*jobRun),
	}
}

// Start parses the file, creates the job, and launches the chunk loop.
// It returns as soon as the job is queued. Synchronous failures are limited
// to unparseable input (*FileFormatError), invalid options (*SchemaError),
// and ErrTooManyJobs when no job slot frees up in time.
func (o *Orchestrator) Start(ctx context.Context, data []byte, opts ImportOptions) (string, int, error) {
	records, err := parseRecords(data)
	if err != nil {
		return "", 0, &FileFormatError{Reason: err.Error()}
	}
	headerIdx := findHeaderRow(records)
	if headerIdx < 0 {
		return "", 0, &FileFormatError{Reason: "no rows found"}
	}
	header := records[headerIdx]
	if len(header) == 0 || isEmptyRow(header) {
		return "", 0, &FileFormatError{Reason: "no columns detected"}
	}

	// Resolve the duplicate key eagerly so a bad field name fails Start
	// instead of every row.
	var dupFields []string
	if opts.DetectDuplicates {
		dupFields, err = ParseDuplicateKey(opts.DuplicateKey, o.catalog)
		if err != nil {
			return "", 0, err
		}
	}

	if err := o.limiter.Acquire(ctx); err != nil {
		return "", 0, err
	}

	rows := dataRows(records, headerIdx)
	chunkSize := opts.NormalizedChunkSize()

	job := &ImportJob{
		JobID:       uuid.New().String(),
		Status:      StatusQueued,
		TotalRows:   len(rows),
		TotalChunks: (len(rows) + chunkSize - 1) / chunkSize,
		Errors:      []RowError{},
		StartedAt:   time.Now(),
	}
	if err := o.store.Save(ctx, job); err != nil {
		o.limiter.Release()
		return "", 0, fmt.Errorf("save job: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	run := &jobRun{cancel: cancel}
	o.mu.Lock()
	o.active[job.JobID] = run
	o.mu.Unlock()

	o.log.Info("import job started",
		"job_id", job.JobID,
		"total_rows", job.TotalRows,
		"total_chunks", job.TotalChunks,
		"chunk_size", chunkSize,
		"skip_errors", opts.SkipErrors,
		"detect_duplicates", opts.DetectDuplicates,
	)

	go o.run(runCtx, run, job, header, rows, opts, dupFields, chunkSize)

	return job.JobID, job.TotalRows, nil
}

// Cancel requests cooperative cancellation. It is idempotent and succeeds
// whether or not the job is still running; only an unknown ID is an error.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	o.mu.Lock()
	run, ok := o.active[jobID]
	o.mu.Unlock()

	if ok {
		run.cancelled.Store(true)
		run.cancel()
		return nil
	}

	// Already finished (or never ours): success as long as the job exists.
	_, err := o.store.Get(ctx, jobID)
	return err
}

// GetErrors returns the full, uncapped error list for a job.
func (o *Orchestrator) GetErrors(ctx context.Context, jobID string) ([]RowError, error) {
	if _, err := o.store.Get(ctx, jobID); err != nil {
		return nil, err
	}
	return o.sink.List(ctx, jobID)
}

// run is the owning goroutine for one job.
func (o *Orchestrator) run(ctx context.Context, run *jobRun, job *ImportJob, header []string, rows []sourceRow, opts ImportOptions, dupFields []string, chunkSize int) {
	defer func() {
		o.mu.Lock()
		delete(o.active, job.JobID)
		o.mu.Unlock()
		o.limiter.Release()
	}()

	// Persistence outlives cancellation: the cancelled snapshot and any
	// buffered row errors must still reach the store.
	persistCtx := context.WithoutCancel(ctx)

	ring := newErrorRing(o.errorCap)

	// Authoritative pass: re-derive the column mapping for the whole file,
	// not just the validation sample.
	job.Status = StatusParsing
	if !o.publish(persistCtx, job, ring) {
		return
	}

	validator := NewValidator(o.catalog, o.presets, DefaultSampleRows)
	mapping, err := validator.resolveMapping(header, opts)
	if err != nil {
		o.finish(persistCtx, job, ring, StatusFailed, err.Error())
		return
	}

	job.Status = StatusValidating
	if !o.publish(persistCtx, job, ring) {
		return
	}

	mapped := make(map[string]bool)
	for _, m := range mapping {
		if m.Field != "" {
			mapped[m.Field] = true
		}
	}
	for _, f := range o.catalog.Required() {
		if !mapped[f.Name] {
			o.finish(persistCtx, job, ring, StatusFailed,
				fmt.Sprintf("no column mapped to required field %q", f.Name))
			return
		}
	}

	var dedupe *Deduper
	if opts.DetectDuplicates {
		dedupe = NewDeduper(dupFields)
	}

	job.Status = StatusProcessing
	if !o.publish(persistCtx, job, ring) {
		return
	}

	for chunk := 0; chunk < job.TotalChunks; chunk++ {
		if run.cancelled.Load() || ctx.Err() != nil {
			job.CancelRequested = true
			o.finish(persistCtx, job, ring, StatusCancelled, "")
			return
		}

		start := chunk * chunkSize
		end := start + chunkSize
		if end > len(rows) {
			end = len(rows)
		}

		var chunkErrs []RowError
		for _, row := range rows[start:end] {
			values := rowValues(row.Cells, mapping)

			var key string
			if dedupe != nil {
				key = dedupe.Key(values)
				if dedupe.Seen(key) {
					// Duplicates are skipped, not error-worthy.
					job.SkippedRows++
					job.ProcessedRows++
					continue
				}
			}

			if rowErr := checkRow(row.Line, values, o.catalog); rowErr != nil {
				job.FailedRows++
				job.ProcessedRows++
				ring.Append(*rowErr)
				chunkErrs = append(chunkErrs, *rowErr)

				if !opts.SkipErrors {
					msg := fmt.Sprintf("row %d: %s", rowErr.Row, rowErr.Message)
					if err := o.sink.Append(persistCtx, job.JobID, chunkErrs); err != nil {
						o.log.Error("record row errors", "job_id", job.JobID, "error", err)
						msg = fmt.Sprintf("%s (row errors not recorded: %v)", msg, err)
					}
					o.finish(persistCtx, job, ring, StatusFailed, msg)
					return
				}
				continue
			}

			if dedupe != nil {
				dedupe.Mark(key)
			}
			job.SuccessfulRows++
			job.ProcessedRows++
		}

		// Row errors flush once per chunk to bound sink traffic. A sink
		// failure is a job-level fault, independent of skipErrors.
		if err := o.sink.Append(persistCtx, job.JobID, chunkErrs); err != nil {
			o.finish(persistCtx, job, ring, StatusFailed, fmt.Sprintf("record row errors: %v", err))
			return
		}

		job.CurrentChunk = chunk + 1
		if !o.publish(persistCtx, job, ring) {
			return
		}

		if o.afterChunk != nil {
			o.afterChunk(job.JobID, chunk+1)
		}
	}

	job.Status = StatusFinalizing
	if !o.publish(persistCtx, job, ring) {
		return
	}

	o.finish(persistCtx, job, ring, StatusCompleted, "")
}

// publish refreshes derived snapshot fields, saves, and broadcasts. It
// reports whether the job is still live: a failed save moves the job to
// failed, and the caller must stop processing so the terminal snapshot is
// the last word.
func (o *Orchestrator) publish(ctx context.Context, job *ImportJob, ring *errorRing) bool {
	job.Errors = ring.Snapshot()
	job.ErrorCount = ring.Total()
	job.EtaSeconds = etaSeconds(job)

	if err := o.store.Save(ctx, job); err != nil {
		// Losing the snapshot store is a job-level failure; the in-memory
		// struct still carries the message for the final broadcast attempt.
		o.finishAfterStoreFailure(ctx, job, err)
		return false
	}
	o.pub.Publish(job)
	return true
}

func (o *Orchestrator) finishAfterStoreFailure(ctx context.Context, job *ImportJob, cause error) {
	job.Status = StatusFailed
	job.Message = fmt.Sprintf("persist snapshot: %v", cause)
	now := time.Now()
	job.CompletedAt = &now
	job.EtaSeconds = 0
	_ = o.store.Save(ctx, job)
	o.pub.Publish(job)
	o.log.Error("import job failed", "job_id", job.JobID, "error", cause)
}

// finish moves the job into a terminal state, freezes counters, and emits
// the final snapshot.
func (o *Orchestrator) finish(ctx context.Context, job *ImportJob, ring *errorRing, status JobStatus, message string) {
	job.Status = status
	job.Message = message
	now := time.Now()
	job.CompletedAt = &now
	job.Errors = ring.Snapshot()
	job.ErrorCount = ring.Total()
	job.EtaSeconds = 0

	_ = o.store.Save(ctx, job)
	o.pub.Publish(job)

	switch status {
	case StatusFailed:
		o.log.Warn("import job failed",
			"job_id", job.JobID,
			"processed_rows", job.ProcessedRows,
			"error_count", job.ErrorCount,
			"message", message,
		)
	case StatusCancelled:
		o.log.Info("import job cancelled",
			"job_id", job.JobID,
			"processed_rows", job.ProcessedRows,
		)
	default:
		o.log.Info("import job completed",
			"job_id", job.JobID,
			"successful_rows", job.SuccessfulRows,
			"failed_rows", job.FailedRows,
			"skipped_rows", job.SkippedRows,
			"duration", time.Since(job.StartedAt),
		)
	}
}

// etaSeconds estimates remaining time from current throughput. Advisory
// only; zero when unknown or done.
func etaSeconds(job *ImportJob) int {
	if job.Status.Terminal() || job.ProcessedRows == 0 || job.ProcessedRows >= job.TotalRows {
		return 0
	}
	elapsed := time.Since(job.StartedAt).Seconds()
	perRow := elapsed / float64(job.ProcessedRows)
	return int(perRow*float64(job.TotalRows-job.ProcessedRows) + 0.5)
}
