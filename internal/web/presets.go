package web

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/carelane/importd/internal/importer"
)

// handleListPresets returns all saved mapping presets.
func (s *Server) handleListPresets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"presets": s.presets.List()})
}

// handleCreatePreset saves a named header-to-field mapping.
func (s *Server) handleCreatePreset(w http.ResponseWriter, r *http.Request) {
	var preset importer.MappingPreset
	if err := json.NewDecoder(r.Body).Decode(&preset); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid preset payload")
		return
	}
	if preset.Name == "" {
		writeError(w, r, http.StatusBadRequest, "preset name is required")
		return
	}
	if len(preset.Mapping) == 0 {
		writeError(w, r, http.StatusBadRequest, "preset mapping is empty")
		return
	}

	// Every mapped field must exist in the catalog.
	for col, field := range preset.Mapping {
		if field == "" {
			continue
		}
		if _, ok := s.catalog.Field(field); !ok {
			writeError(w, r, http.StatusBadRequest, "unknown target field "+field+" for column "+col)
			return
		}
	}

	saved := s.presets.Save(preset)
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleGetPreset(w http.ResponseWriter, r *http.Request) {
	preset, ok := s.presets.Get(chi.URLParam(r, "presetID"))
	if !ok {
		writeError(w, r, http.StatusNotFound, "preset not found")
		return
	}
	writeJSON(w, http.StatusOK, preset)
}

func (s *Server) handleDeletePreset(w http.ResponseWriter, r *http.Request) {
	s.presets.Delete(chi.URLParam(r, "presetID"))
	w.WriteHeader(http.StatusNoContent)
}

// handleMatchPresets scores saved presets against an uploaded file's headers
// so clients can offer "looks like vendor X" suggestions.
func (s *Server) handleMatchPresets(w http.ResponseWriter, r *http.Request) {
	data, _, ok := s.readUpload(w, r)
	if !ok {
		return
	}

	header, err := importer.FileHeader(data)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"matches": s.presets.Match(header)})
}
