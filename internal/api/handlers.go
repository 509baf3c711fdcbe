package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ambulink/ambulink/internal/core"
	"github.com/ambulink/ambulink/internal/export"
)

func sliceParam(r *http.Request) (core.SliceName, error) {
	return core.ParseSlice(chi.URLParam(r, "slice"))
}

func (s *Server) handleListSlices(w http.ResponseWriter, r *http.Request) {
	out := make([]map[string]string, 0, len(core.AllSlices()))
	for _, slice := range core.AllSlices() {
		out = append(out, map[string]string{"name": string(slice), "shape": slice.Shape().String()})
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSlice(w http.ResponseWriter, r *http.Request) {
	slice, err := sliceParam(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	value, err := s.console.Get(slice)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, value)
}

func (s *Server) handlePutSlice(w http.ResponseWriter, r *http.Request) {
	slice, err := sliceParam(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	var value json.RawMessage
	if err := decodeBody(w, r, &value); err != nil {
		respondErr(w, err)
		return
	}
	res, err := s.console.Update(r.Context(), slice, value)
	if err != nil {
		respondErr(w, err)
		return
	}
	status := http.StatusOK
	if res.Queued {
		status = http.StatusAccepted
	}
	respondJSON(w, status, res)
}

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	var trip core.Trip
	if err := decodeBody(w, r, &trip); err != nil {
		respondErr(w, err)
		return
	}
	trip, res, err := s.console.RecordTrip(r.Context(), trip)
	if err != nil {
		respondErr(w, err)
		return
	}
	status := http.StatusCreated
	if res.Queued {
		status = http.StatusAccepted
	}
	respondJSON(w, status, trip)
}

func (s *Server) handleCreateLead(w http.ResponseWriter, r *http.Request) {
	var details core.LeadDetails
	if err := decodeBody(w, r, &details); err != nil {
		respondErr(w, err)
		return
	}
	lead, res, err := s.console.RecordLead(r.Context(), details)
	if err != nil {
		respondErr(w, err)
		return
	}
	status := http.StatusCreated
	if res.Queued {
		status = http.StatusAccepted
	}
	respondJSON(w, status, lead)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.console.Status())
}

func (s *Server) handleSetConnectivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online *bool `json:"online"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		respondErr(w, err)
		return
	}
	if req.Online == nil {
		respondError(w, http.StatusBadRequest, "online is required")
		return
	}
	s.console.SetOnline(*req.Online)
	respondJSON(w, http.StatusOK, s.console.Status())
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.console.Queue.Pending())
}

func (s *Server) handleFlushQueue(w http.ResponseWriter, r *http.Request) {
	sum, err := s.console.FlushQueue(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

func parseFilter(r *http.Request) (export.Filter, error) {
	q := r.URL.Query()
	return export.ParseFilter(q.Get("from"), q.Get("to"), q.Get("status"))
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	slice, err := sliceParam(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		respondErr(w, err)
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		respondErr(w, err)
		return
	}

	var buf bytes.Buffer
	if err := s.console.Exporter.Write(&buf, slice, format, filter); err != nil {
		respondErr(w, err)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-export.%s"`, slice, format.Ext()))
	w.WriteHeader(http.StatusOK)
	io.Copy(w, &buf)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	slice, err := sliceParam(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		respondErr(w, err)
		return
	}
	loc, err := s.console.Exporter.Archive(r.Context(), slice, format)
	if err != nil {
		s.console.Notices.Error("Export failed")
		respondErr(w, err)
		return
	}
	s.console.Notices.Success("Export completed successfully")
	respondJSON(w, http.StatusCreated, map[string]string{"location": loc})
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	slice, err := sliceParam(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		respondErr(w, err)
		return
	}
	value, err := export.Decode(r.Body, format)
	if err != nil {
		s.console.Notices.Error("Import failed")
		respondErr(w, err)
		return
	}
	res, err := s.console.Update(r.Context(), slice, value)
	if err != nil {
		s.console.Notices.Error("Import failed")
		respondErr(w, err)
		return
	}
	s.console.Notices.Success("Import successful")
	respondJSON(w, http.StatusOK, res)
}
