package core

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/eteran/blobsilo/internal/blob"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/klauspost/compress/gzhttp"
)

// Handler returns an http.Handler serving the blob API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.LogRequest)
	r.Use(s.Recoverer)

	if len(s.cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			ExposedHeaders: []string{"ETag"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		if s.authenticator != nil {
			r.Use(s.RequireAuthentication)
		}

		r.Post("/blobs", s.handleUpload)
		r.Post("/files", s.handleUploadFile)
		r.Get("/blobs/{id}", s.handleGetBlob)
		r.Get("/blobs/{id}/info", s.handleGetInfo)
		r.Get("/blobs/{id}/path", s.handleGetPath)
		r.Get("/stats", s.handleStats)
		r.Post("/admin/sweep", s.handleSweep)
	})

	return gzhttp.GzipHandler(r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.HealthCheck != nil {
		if err := s.cfg.HealthCheck(r.Context()); err != nil {
			s.logger.Error("Health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// readUpload reads an upload request body along with its ttl_hours
// parameter. It writes the error response itself and reports false on
// failure.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, time.Duration, bool) {
	maxSize := s.cfg.Store.Config().MaxSize

	// Refuse declared oversized bodies before reading any of them.
	if r.ContentLength > maxSize {
		err := fmt.Errorf("%w: %d bytes exceeds limit of %d bytes", blob.ErrSizeExceeded, r.ContentLength, maxSize)
		writeError(w, s.facade.newError(CodeSizeExceeded, err.Error(), err))
		return nil, 0, false
	}

	ttl, err := parseTTLHours(r.URL.Query().Get("ttl_hours"))
	if err != nil {
		writeError(w, s.facade.newError(CodeInvalidArgument, err.Error(), err))
		return nil, 0, false
	}

	// One byte past the limit is enough for the store to reject the upload.
	data, err := io.ReadAll(io.LimitReader(r.Body, maxSize+1))
	if err != nil {
		writeError(w, s.facade.newError(CodeInvalidArgument, "failed to read request body", err))
		return nil, 0, false
	}
	return data, ttl, true
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	data, ttl, ok := s.readUpload(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	d, err := s.facade.Upload(r.Context(), data, q.Get("filename"), q["tag"], ttl)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Location", "/blobs/"+strings.TrimPrefix(d.BlobID, blob.Scheme))
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	data, ttl, ok := s.readUpload(w, r)
	if !ok {
		return
	}

	blobID, sum, err := s.facade.UploadFile(r.Context(), data, r.URL.Query().Get("filename"), ttl)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Location", "/blobs/"+strings.TrimPrefix(blobID, blob.Scheme))
	writeJSON(w, http.StatusCreated, uploadFileResponse{BlobID: blobID, Digest: sum})
}

func (s *Server) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	data, d, err := s.facade.FetchBytes(r.Context(), blobIDParam(r))
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", d.MIMEType)
	w.Header().Set("ETag", strconv.Quote(d.Digest))
	w.Header().Set("Expires", d.ExpiresAt.UTC().Format(http.TimeFormat))
	http.ServeContent(w, r, d.Filename, d.CreatedAt, bytes.NewReader(data))
}

func (s *Server) handleGetInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.facade.FetchDescriptor(r.Context(), blobIDParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleGetPath(w http.ResponseWriter, r *http.Request) {
	np, err := s.facade.ResolveNativePath(r.Context(), blobIDParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, np)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.facade.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	reconcile := false
	if v := r.URL.Query().Get("reconcile"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			err = fmt.Errorf("%w: reconcile: %q is not a boolean", blob.ErrInvalidArgument, v)
			writeError(w, s.facade.newError(CodeInvalidArgument, err.Error(), err))
			return
		}
		reconcile = b
	}

	result, err := s.facade.Sweep(r.Context(), reconcile)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// blobIDParam restores the scheme stripped from the {id} path segment.
func blobIDParam(r *http.Request) string {
	id := chi.URLParam(r, "id")
	if strings.HasPrefix(id, blob.Scheme) {
		return id
	}
	return blob.Scheme + id
}

// parseTTLHours converts the ttl_hours query value. The empty string selects
// the store's default TTL.
func parseTTLHours(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}

	hours, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(hours) || math.IsInf(hours, 0) {
		return 0, fmt.Errorf("%w: ttl_hours: %q is not a number", blob.ErrInvalidArgument, v)
	}
	if hours <= 0 {
		return 0, fmt.Errorf("%w: ttl_hours must be positive", blob.ErrInvalidArgument)
	}
	if hours > blob.MaxTTL.Hours() {
		return 0, fmt.Errorf("%w: ttl_hours exceeds maximum of %g", blob.ErrInvalidArgument, blob.MaxTTL.Hours())
	}
	return time.Duration(hours * float64(time.Hour)), nil
}
