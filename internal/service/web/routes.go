package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/EddyLabs/eddy/internal/store"
	"github.com/EddyLabs/eddy/models"
)

const maxBodySize = 1 << 20 // 1MB

func (s *Service) readHandler(w http.ResponseWriter, r *http.Request) {
	resource := r.PathValue("resource")

	doc, err := s.gateway.Read(r.Context(), resource)
	if err != nil {
		s.writeError(w, resource, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		s.logger.Error("could not encode document response", "resource", resource, "error", err)
	}
}

// writeHandler accepts a JSON payload. An If-Match header carrying a
// revision makes the write conditional; its absence is last-write-wins.
func (s *Service) writeHandler(w http.ResponseWriter, r *http.Request) {
	resource := r.PathValue("resource")

	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if !json.Valid(body) {
		http.Error(w, "request body is not valid JSON", http.StatusBadRequest)
		return
	}

	opts := store.WriteOptions{}
	if match := r.Header.Get("If-Match"); match != "" {
		rev, err := strconv.ParseInt(match, 10, 64)
		if err != nil || rev <= 0 {
			http.Error(w, "If-Match must be a positive revision number", http.StatusBadRequest)
			return
		}
		opts.ExpectedRevision = rev
	}

	s.commit(w, r, resource, body, opts)
}

// formWriteHandler accepts the classic form-encoded body and normalizes it
// to a flat JSON object, adding a server-side date field the way the
// message board this substrate grew out of did.
func (s *Service) formWriteHandler(w http.ResponseWriter, r *http.Request) {
	resource := r.PathValue("resource")

	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	values, err := url.ParseQuery(string(body))
	if err != nil {
		http.Error(w, "request body is not form-encoded", http.StatusBadRequest)
		return
	}

	fields := make(map[string]string, len(values)+1)
	for key := range values {
		fields[key] = values.Get(key)
	}
	fields["date"] = time.Now().UTC().Format("2006-01-02 15:04:05.000000")

	payload, err := json.Marshal(fields)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	s.commit(w, r, resource, payload, store.WriteOptions{})
}

func (s *Service) commit(w http.ResponseWriter, r *http.Request, resource string, payload json.RawMessage, opts store.WriteOptions) {
	revision, err := s.gateway.Write(r.Context(), resource, payload, opts)
	if err != nil {
		s.writeError(w, resource, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(models.WriteResult{Resource: resource, Revision: revision}); err != nil {
		s.logger.Error("could not encode write response", "resource", resource, "error", err)
	}
}

func (s *Service) healthHandler(w http.ResponseWriter, r *http.Request) {
	storeStatus := "ok"
	pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.gateway.Ping(pingCtx); err != nil {
		storeStatus = "unavailable"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"store":  storeStatus,
	})
}

// writeError folds the store taxonomy into HTTP statuses. Unavailability
// is retryable for the caller; nothing here is process-fatal.
func (s *Service) writeError(w http.ResponseWriter, resource string, err error) {
	var status int
	var errorType string

	switch {
	case store.IsNotFound(err):
		status = http.StatusNotFound
		errorType = "not_found"
	case store.IsConflict(err):
		status = http.StatusConflict
		errorType = "conflict"
	case store.IsUnavailable(err):
		status = http.StatusServiceUnavailable
		errorType = "unavailable"
		w.Header().Set("Retry-After", "1")
		s.logger.Error("store unavailable", "resource", resource, "error", err)
	default:
		status = http.StatusInternalServerError
		errorType = "internal"
		s.logger.Error("request failed", "resource", resource, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.ErrorResponse{
		ErrorType: errorType,
		Message:   err.Error(),
	})
}
