package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/carelane/importd/internal/schema"
)

func newTestOrchestrator(store JobStore, sink ErrorSink) *Orchestrator {
	if store == nil {
		store = NewMemoryStore()
	}
	if sink == nil {
		sink = NewMemorySink()
	}
	pub := NewPublisher(store)
	limiter := NewJobLimiter(4, time.Second)
	return NewOrchestrator(store, sink, pub, limiter, schema.Patients, NewPresetStore(), 0)
}

// patientsCSV builds a file with the required columns plus any extra rows
// appended verbatim after the generated ones.
func patientsCSV(n int, extra ...string) []byte {
	var b strings.Builder
	b.WriteString("mrn,first_name,last_name,date_of_birth\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "MRN%04d,Ada,Lovelace,1985-03-%02d\n", i, i%28+1)
	}
	for _, row := range extra {
		b.WriteString(row + "\n")
	}
	return []byte(b.String())
}

func waitTerminal(t *testing.T, store JobStore, jobID string) *ImportJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := store.Get(context.Background(), jobID)
		if err != nil {
			t.Fatalf("Get(%s): %v", jobID, err)
		}
		if job.Status.Terminal() {
			return job
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", jobID)
	return nil
}

func checkCounterIdentity(t *testing.T, job *ImportJob) {
	t.Helper()
	if got := job.SuccessfulRows + job.FailedRows + job.SkippedRows; got != job.ProcessedRows {
		t.Errorf("counter identity broken: %d+%d+%d = %d, processedRows %d",
			job.SuccessfulRows, job.FailedRows, job.SkippedRows, got, job.ProcessedRows)
	}
	if job.ProcessedRows > job.TotalRows {
		t.Errorf("processedRows %d exceeds totalRows %d", job.ProcessedRows, job.TotalRows)
	}
}

func TestImportCompletes(t *testing.T) {
	store := NewMemoryStore()
	o := newTestOrchestrator(store, nil)

	jobID, totalRows, err := o.Start(context.Background(), patientsCSV(250), ImportOptions{ChunkSize: 100, SkipErrors: true})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if totalRows != 250 {
		t.Fatalf("totalRows = %d, want 250", totalRows)
	}

	job := waitTerminal(t, store, jobID)
	if job.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed (message %q)", job.Status, job.Message)
	}
	if job.TotalChunks != 3 {
		t.Errorf("totalChunks = %d, want 3", job.TotalChunks)
	}
	if job.CurrentChunk != 3 {
		t.Errorf("currentChunk = %d, want 3", job.CurrentChunk)
	}
	if job.SuccessfulRows != 250 || job.FailedRows != 0 || job.SkippedRows != 0 {
		t.Errorf("counters = %d/%d/%d, want 250/0/0", job.SuccessfulRows, job.FailedRows, job.SkippedRows)
	}
	if job.CompletedAt == nil {
		t.Error("completedAt not set on terminal job")
	}
	if job.EtaSeconds != 0 {
		t.Errorf("etaSeconds = %d on terminal job, want 0", job.EtaSeconds)
	}
	checkCounterIdentity(t, job)
}

func TestSnapshotsPerChunkAndMonotonic(t *testing.T) {
	store := NewMemoryStore()
	o := newTestOrchestrator(store, nil)

	type observed struct {
		chunk     int
		processed int
	}
	var seen []observed
	o.afterChunk = func(jobID string, chunk int) {
		job, err := store.Get(context.Background(), jobID)
		if err != nil {
			t.Errorf("Get after chunk %d: %v", chunk, err)
			return
		}
		checkCounterIdentity(t, job)
		seen = append(seen, observed{chunk: chunk, processed: job.ProcessedRows})
	}

	jobID, _, err := o.Start(context.Background(), patientsCSV(250), ImportOptions{ChunkSize: 100})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitTerminal(t, store, jobID)

	if len(seen) != 3 {
		t.Fatalf("observed %d chunk snapshots, want 3", len(seen))
	}
	wantProcessed := []int{100, 200, 250}
	for i, obs := range seen {
		if obs.chunk != i+1 {
			t.Errorf("snapshot %d: chunk = %d, want %d", i, obs.chunk, i+1)
		}
		if obs.processed != wantProcessed[i] {
			t.Errorf("snapshot %d: processedRows = %d, want %d", i, obs.processed, wantProcessed[i])
		}
	}
}

func TestSkipErrorsContinuesPastBadRows(t *testing.T) {
	store := NewMemoryStore()
	sink := NewMemorySink()
	o := newTestOrchestrator(store, sink)

	data := patientsCSV(9,
		"MRN9998,Bad,Date,not-a-date",
		"MRN9999,Grace,Hopper,1906-12-09",
	)
	jobID, _, err := o.Start(context.Background(), data, ImportOptions{SkipErrors: true, ChunkSize: 50})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	job := waitTerminal(t, store, jobID)
	if job.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	if job.SuccessfulRows != 10 || job.FailedRows != 1 {
		t.Errorf("successful/failed = %d/%d, want 10/1", job.SuccessfulRows, job.FailedRows)
	}
	if job.ErrorCount != 1 || len(job.Errors) != 1 {
		t.Fatalf("errorCount = %d, len(errors) = %d, want 1/1", job.ErrorCount, len(job.Errors))
	}
	if job.Errors[0].Field != "date_of_birth" {
		t.Errorf("error field = %q, want date_of_birth", job.Errors[0].Field)
	}
	checkCounterIdentity(t, job)

	full, err := o.GetErrors(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetErrors: %v", err)
	}
	if len(full) != 1 {
		t.Errorf("sink holds %d errors, want 1", len(full))
	}
}

func TestFirstErrorAbortsWhenNotSkipping(t *testing.T) {
	store := NewMemoryStore()
	o := newTestOrchestrator(store, nil)

	// 36 good rows, a bad 37th, then plenty more that must never run.
	var b strings.Builder
	b.WriteString("mrn,first_name,last_name,date_of_birth\n")
	for i := 0; i < 36; i++ {
		fmt.Fprintf(&b, "MRN%04d,Ada,Lovelace,1985-03-01\n", i)
	}
	b.WriteString("MRN0036,Bad,Row,not-a-date\n")
	for i := 37; i < 100; i++ {
		fmt.Fprintf(&b, "MRN%04d,Ada,Lovelace,1985-03-01\n", i)
	}

	jobID, _, err := o.Start(context.Background(), []byte(b.String()), ImportOptions{SkipErrors: false, ChunkSize: 50})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	job := waitTerminal(t, store, jobID)
	if job.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if job.ProcessedRows != 37 {
		t.Errorf("processedRows = %d, want 37", job.ProcessedRows)
	}
	if job.FailedRows != 1 || job.SuccessfulRows != 36 {
		t.Errorf("failed/successful = %d/%d, want 1/36", job.FailedRows, job.SuccessfulRows)
	}
	if !strings.Contains(job.Message, "row 38") {
		t.Errorf("message = %q, want source line of the failing row", job.Message)
	}
	checkCounterIdentity(t, job)
}

func TestDuplicatesSkippedNotErrored(t *testing.T) {
	store := NewMemoryStore()
	o := newTestOrchestrator(store, nil)

	data := []byte("mrn,first_name,last_name,date_of_birth\n" +
		"A100,Ada,Lovelace,1985-03-01\n" +
		"a100 ,Ada,Lovelace,1985-03-01\n" + // same key after folding
		"A200,Grace,Hopper,1906-12-09\n" +
		"A100,Third,Copy,1985-03-01\n" +
		",NoKey,Row,1990-01-01\n") // empty mrn: required-field error, never a duplicate

	jobID, _, err := o.Start(context.Background(), data, ImportOptions{
		SkipErrors:       true,
		DetectDuplicates: true,
		DuplicateKey:     "mrn",
		ChunkSize:        50,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	job := waitTerminal(t, store, jobID)
	if job.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	if job.SkippedRows != 2 {
		t.Errorf("skippedRows = %d, want 2", job.SkippedRows)
	}
	if job.SuccessfulRows != 2 {
		t.Errorf("successfulRows = %d, want 2", job.SuccessfulRows)
	}
	if job.FailedRows != 1 {
		t.Errorf("failedRows = %d, want 1", job.FailedRows)
	}
	for _, e := range job.Errors {
		if strings.Contains(strings.ToLower(e.Message), "duplicate") {
			t.Errorf("duplicate surfaced as error: %+v", e)
		}
	}
	checkCounterIdentity(t, job)
}

func TestCancelTakesEffectAtChunkBoundary(t *testing.T) {
	store := NewMemoryStore()
	o := newTestOrchestrator(store, nil)

	o.afterChunk = func(jobID string, chunk int) {
		if chunk == 2 {
			if err := o.Cancel(context.Background(), jobID); err != nil {
				t.Errorf("Cancel: %v", err)
			}
		}
	}

	jobID, _, err := o.Start(context.Background(), patientsCSV(250), ImportOptions{ChunkSize: 50})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	job := waitTerminal(t, store, jobID)
	if job.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", job.Status)
	}
	if !job.CancelRequested {
		t.Error("cancelRequested not set on cancelled job")
	}
	if job.CurrentChunk != 2 {
		t.Errorf("currentChunk = %d, want 2 (cancel lands on the next boundary)", job.CurrentChunk)
	}
	if job.ProcessedRows != 100 {
		t.Errorf("processedRows = %d, want 100", job.ProcessedRows)
	}
	if job.CompletedAt == nil {
		t.Error("completedAt not set on cancelled job")
	}
	checkCounterIdentity(t, job)
}

func TestCancelUnknownAndFinishedJobs(t *testing.T) {
	store := NewMemoryStore()
	o := newTestOrchestrator(store, nil)

	if err := o.Cancel(context.Background(), "no-such-job"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Cancel(unknown) = %v, want ErrJobNotFound", err)
	}

	jobID, _, err := o.Start(context.Background(), patientsCSV(3), ImportOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	job := waitTerminal(t, store, jobID)
	if job.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}

	// Cancelling a finished job is a no-op, not an error.
	if err := o.Cancel(context.Background(), jobID); err != nil {
		t.Errorf("Cancel(finished) = %v, want nil", err)
	}
	after, err := store.Get(context.Background(), jobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if after.Status != StatusCompleted {
		t.Errorf("status after late cancel = %s, want completed", after.Status)
	}
}

func TestStartRejectsUnusableInput(t *testing.T) {
	o := newTestOrchestrator(nil, nil)

	tests := []struct {
		name string
		data []byte
		opts ImportOptions
		want any
	}{
		{
			name: "empty file",
			data: []byte(""),
			want: &FileFormatError{},
		},
		{
			name: "whitespace only",
			data: []byte("\n\n  \n"),
			want: &FileFormatError{},
		},
		{
			name: "unknown duplicate key field",
			data: patientsCSV(2),
			opts: ImportOptions{DetectDuplicates: true, DuplicateKey: "mrn,no_such_field"},
			want: &SchemaError{},
		},
		{
			name: "empty duplicate key",
			data: patientsCSV(2),
			opts: ImportOptions{DetectDuplicates: true, DuplicateKey: " , "},
			want: &SchemaError{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := o.Start(context.Background(), tt.data, tt.opts)
			if err == nil {
				t.Fatal("Start succeeded, want error")
			}
			switch tt.want.(type) {
			case *FileFormatError:
				var ffe *FileFormatError
				if !errors.As(err, &ffe) {
					t.Errorf("error = %v, want *FileFormatError", err)
				}
			case *SchemaError:
				var se *SchemaError
				if !errors.As(err, &se) {
					t.Errorf("error = %v, want *SchemaError", err)
				}
			}
		})
	}
}

func TestMissingRequiredColumnFailsJob(t *testing.T) {
	store := NewMemoryStore()
	o := newTestOrchestrator(store, nil)

	// No column maps to date_of_birth.
	data := []byte("mrn,first_name,last_name,notes\nA1,Ada,Lovelace,hello\n")
	jobID, _, err := o.Start(context.Background(), data, ImportOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	job := waitTerminal(t, store, jobID)
	if job.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if !strings.Contains(job.Message, "date_of_birth") {
		t.Errorf("message = %q, want the unmapped field named", job.Message)
	}
	if job.ProcessedRows != 0 {
		t.Errorf("processedRows = %d, want 0 (no rows ran)", job.ProcessedRows)
	}
}

// failingSink errors on every append, simulating a dead error store.
type failingSink struct{ MemorySink }

func (s *failingSink) Append(_ context.Context, _ string, errs []RowError) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.New("sink unavailable")
}

func TestSinkFailureFailsJob(t *testing.T) {
	store := NewMemoryStore()
	sink := &failingSink{MemorySink: *NewMemorySink()}
	o := newTestOrchestrator(store, sink)

	data := patientsCSV(5, "MRN9999,Bad,Date,not-a-date")
	jobID, _, err := o.Start(context.Background(), data, ImportOptions{SkipErrors: true})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	job := waitTerminal(t, store, jobID)
	if job.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if !strings.Contains(job.Message, "record row errors") {
		t.Errorf("message = %q, want sink failure reported", job.Message)
	}
}

func TestAbortReportsSinkFailureInMessage(t *testing.T) {
	store := NewMemoryStore()
	sink := &failingSink{MemorySink: *NewMemorySink()}
	o := newTestOrchestrator(store, sink)

	data := patientsCSV(2, "MRN9999,Bad,Date,not-a-date")
	jobID, _, err := o.Start(context.Background(), data, ImportOptions{SkipErrors: false})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	job := waitTerminal(t, store, jobID)
	if job.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if !strings.Contains(job.Message, "row 4") {
		t.Errorf("message = %q, want the failing row named", job.Message)
	}
	// The aborting row's error never reached the sink; the message says so.
	if !strings.Contains(job.Message, "not recorded") {
		t.Errorf("message = %q, want the sink failure surfaced", job.Message)
	}
}

// flakyStore fails exactly one Save, simulating a transient snapshot-store
// outage mid-job.
type flakyStore struct {
	*MemoryStore
	mu     sync.Mutex
	saves  int
	failOn int
}

func (s *flakyStore) Save(ctx context.Context, job *ImportJob) error {
	s.mu.Lock()
	s.saves++
	n := s.saves
	s.mu.Unlock()
	if n == s.failOn {
		return errors.New("snapshot store unavailable")
	}
	return s.MemoryStore.Save(ctx, job)
}

func (s *flakyStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func TestStoreFailureFailsJobAndStopsChunks(t *testing.T) {
	// Saves land in order: job creation, parsing, validating, processing,
	// then one per chunk. Failing the fifth hits the first chunk's publish.
	store := &flakyStore{MemoryStore: NewMemoryStore(), failOn: 5}
	o := newTestOrchestrator(store, nil)

	jobID, _, err := o.Start(context.Background(), patientsCSV(250), ImportOptions{ChunkSize: 100, SkipErrors: true})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	job := waitTerminal(t, store, jobID)
	if job.Status != StatusFailed {
		t.Fatalf("status = %s, want failed (message %q)", job.Status, job.Message)
	}
	if !strings.Contains(job.Message, "persist snapshot") {
		t.Errorf("message = %q, want the store failure reported", job.Message)
	}
	if job.CompletedAt == nil {
		t.Error("completedAt not set on failed job")
	}

	// Counters froze at the chunk whose snapshot could not be saved; no
	// later chunk ran and the job was never republished as anything else.
	if job.CurrentChunk != 1 {
		t.Errorf("currentChunk = %d, want 1", job.CurrentChunk)
	}
	if job.ProcessedRows != 100 {
		t.Errorf("processedRows = %d, want 100", job.ProcessedRows)
	}
	if got := store.saveCount(); got != 6 {
		t.Errorf("saves = %d, want 6 (failed save plus its terminal snapshot, nothing after)", got)
	}
	checkCounterIdentity(t, job)
}

func TestErrorListCappedCountExact(t *testing.T) {
	store := NewMemoryStore()
	sink := NewMemorySink()
	o := newTestOrchestrator(store, sink)

	var b strings.Builder
	b.WriteString("mrn,first_name,last_name,date_of_birth\n")
	for i := 0; i < 120; i++ {
		fmt.Fprintf(&b, "MRN%04d,Ada,Lovelace,not-a-date\n", i)
	}

	jobID, _, err := o.Start(context.Background(), []byte(b.String()), ImportOptions{SkipErrors: true, ChunkSize: 50})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	job := waitTerminal(t, store, jobID)
	if job.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	if job.ErrorCount != 120 {
		t.Errorf("errorCount = %d, want 120", job.ErrorCount)
	}
	if len(job.Errors) != DefaultErrorCap {
		t.Errorf("len(errors) = %d, want cap %d", len(job.Errors), DefaultErrorCap)
	}
	// The ring keeps the most recent errors; the last one must be the last row.
	last := job.Errors[len(job.Errors)-1]
	if last.Row != 121 {
		t.Errorf("last retained error row = %d, want 121", last.Row)
	}

	full, err := o.GetErrors(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetErrors: %v", err)
	}
	if len(full) != 120 {
		t.Errorf("sink holds %d errors, want all 120", len(full))
	}
}

func TestConcurrentJobLimit(t *testing.T) {
	store := NewMemoryStore()
	pub := NewPublisher(store)
	limiter := NewJobLimiter(1, 20*time.Millisecond)
	o := NewOrchestrator(store, NewMemorySink(), pub, limiter, schema.Patients, nil, 0)

	// Hold the only slot so Start has nothing to acquire.
	if err := limiter.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer limiter.Release()

	_, _, err := o.Start(context.Background(), patientsCSV(3), ImportOptions{})
	if !errors.Is(err, ErrTooManyJobs) {
		t.Fatalf("Start = %v, want ErrTooManyJobs", err)
	}
}
