package web

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/carelane/importd/internal/importer"
	"github.com/carelane/importd/internal/logging"
)

// readUpload extracts the CSV bytes and import options from a multipart
// form. The file arrives in the "file" field; options ride along as a JSON
// string in the "options" field.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, importer.ImportOptions, bool) {
	var opts importer.ImportOptions

	maxSize := s.cfg.Import.MaxFileSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)

	if err := r.ParseMultipartForm(maxSize); err != nil {
		writeError(w, r, http.StatusBadRequest, "file too large or invalid form")
		return nil, opts, false
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "no file provided")
		return nil, opts, false
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to read file")
		return nil, opts, false
	}

	if optsJSON := r.FormValue("options"); optsJSON != "" {
		if err := json.Unmarshal([]byte(optsJSON), &opts); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid options format")
			return nil, opts, false
		}
	}

	return data, opts, true
}

// handleValidate analyzes a CSV file and reports the inferred column mapping
// without creating a job.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	data, opts, ok := s.readUpload(w, r)
	if !ok {
		return
	}

	result, err := s.validator.Validate(data, opts)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleStartImport creates an import job and returns its ID immediately;
// progress arrives via polling or the SSE stream.
func (s *Server) handleStartImport(w http.ResponseWriter, r *http.Request) {
	data, opts, ok := s.readUpload(w, r)
	if !ok {
		return
	}

	jobID, totalRows, err := s.orch.Start(r.Context(), data, opts)
	if err != nil {
		var ffe *importer.FileFormatError
		var se *importer.SchemaError
		switch {
		case errors.As(err, &ffe), errors.As(err, &se):
			writeError(w, r, http.StatusBadRequest, err.Error())
		case errors.Is(err, importer.ErrTooManyJobs):
			w.Header().Set("Retry-After", "10")
			writeError(w, r, http.StatusTooManyRequests, err.Error())
		default:
			writeError(w, r, http.StatusInternalServerError, err.Error())
		}
		return
	}

	logging.WithJob(r.Context(), jobID).Info("import accepted", "total_rows", totalRows)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"jobId":     jobID,
		"totalRows": totalRows,
		"status":    importer.StatusQueued,
	})
}

// handleGetJob returns the current job snapshot, the poll fallback for
// clients without SSE.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := s.pub.Snapshot(r.Context(), jobID)
	if err != nil {
		writeError(w, r, http.StatusNotFound, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, job)
}

// handleCancel requests cooperative cancellation; the job stops at the next
// chunk boundary.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	if err := s.orch.Cancel(r.Context(), jobID); err != nil {
		writeError(w, r, http.StatusNotFound, err.Error())
		return
	}

	logging.WithJob(r.Context(), jobID).Info("cancel requested")
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancel_requested"})
}

// handleStream streams job snapshots via Server-Sent Events. One event per
// chunk, with processedRows as the event ID so reconnecting clients can pass
// lastEventId and skip snapshots they already saw. A terminal snapshot is
// followed by an explicit complete event.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	lastEventIDStr := r.URL.Query().Get("lastEventId")
	if lastEventIDStr == "" {
		lastEventIDStr = r.Header.Get("Last-Event-ID")
	}
	lastEventID := -1
	if lastEventIDStr != "" {
		if n, err := strconv.Atoi(lastEventIDStr); err == nil {
			lastEventID = n
		}
	}

	snapshots, unsubscribe, err := s.pub.Subscribe(r.Context(), jobID)
	if err != nil {
		writeError(w, r, http.StatusNotFound, err.Error())
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	rc.Flush()

	for {
		select {
		case job, open := <-snapshots:
			if !open {
				fmt.Fprintf(w, "event: complete\ndata: {}\n\n")
				rc.Flush()
				return
			}

			// Resumed clients skip snapshots at or before their last event,
			// except terminal ones, which must always be delivered.
			if job.ProcessedRows <= lastEventID && !job.Status.Terminal() {
				continue
			}

			data, err := json.Marshal(job)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: progress\ndata: %s\n\n", job.ProcessedRows, data)
			rc.Flush()

			if job.Status.Terminal() {
				fmt.Fprintf(w, "event: complete\ndata: {}\n\n")
				rc.Flush()
				return
			}

		case <-r.Context().Done():
			return
		}
	}
}

// handleJobErrors returns the full error list for a job, beyond the capped
// sample in snapshots. format=csv downloads it as a file for fixing and
// re-importing.
func (s *Server) handleJobErrors(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	errs, err := s.orch.GetErrors(r.Context(), jobID)
	if err != nil {
		writeError(w, r, http.StatusNotFound, err.Error())
		return
	}

	if r.URL.Query().Get("format") != "csv" {
		writeJSON(w, http.StatusOK, map[string]any{"jobId": jobID, "errors": errs})
		return
	}

	filename := fmt.Sprintf("import_errors_%s.csv", time.Now().Format("20060102_150405"))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))

	cw := csv.NewWriter(w)
	cw.Write([]string{"row", "field", "severity", "message"})
	for _, e := range errs {
		cw.Write([]string{strconv.Itoa(e.Row), e.Field, string(e.Severity), e.Message})
	}
	cw.Flush()
}

// fieldInfo is the wire shape of one catalog field.
type fieldInfo struct {
	Name       string   `json:"name"`
	Label      string   `json:"label"`
	Type       string   `json:"type"`
	Required   bool     `json:"required"`
	EnumValues []string `json:"enumValues,omitempty"`
	Synonyms   []string `json:"synonyms,omitempty"`
}

// handleListFields describes the import target so clients can build mapping
// UIs and presets.
func (s *Server) handleListFields(w http.ResponseWriter, r *http.Request) {
	fields := make([]fieldInfo, len(s.catalog.Fields))
	for i, f := range s.catalog.Fields {
		fields[i] = fieldInfo{
			Name:       f.Name,
			Label:      f.Label,
			Type:       f.Type.String(),
			Required:   f.Required,
			EnumValues: f.EnumValues,
			Synonyms:   f.Synonyms,
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"catalog": s.catalog.Name,
		"fields":  fields,
	})
}
