package core

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/eteran/blobsilo/internal/auth"

	"github.com/go-chi/chi/v5/middleware"
)

// ResponseWriterWrapper is a wrapper around the default http.ResponseWriter.
// It intercepts the WriteHeader call and saves the response status code.
type ResponseWriterWrapper struct {
	http.ResponseWriter
	WrittenResponseCode int
	BytesWritten        int
}

// WriteHeader intercepts the status code and stores it, then calls the original WriteHeader.
func (w *ResponseWriterWrapper) WriteHeader(statusCode int) {
	if w.WrittenResponseCode == 0 {
		w.WrittenResponseCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

// Write calls the underlying ResponseWriter's Write method.
func (w *ResponseWriterWrapper) Write(b []byte) (int, error) {
	if w.WrittenResponseCode == 0 {
		w.WrittenResponseCode = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.BytesWritten += n
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *ResponseWriterWrapper) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

type LogEntry struct {
	IP         string
	User       string
	RequestID  string
	Method     string
	URL        string
	Proto      string
	DurationMS float64
	StatusCode int
	Bytes      int
}

func (e LogEntry) UserAttr() slog.Attr {
	return slog.Group("user", "ip", e.IP, "name", e.User)
}

func (e LogEntry) RequestAttr() slog.Attr {
	return slog.Group("request",
		"id", e.RequestID,
		"proto", e.Proto,
		"method", e.Method,
		"url", e.URL,
		"duration_ms", e.DurationMS,
		"status_code", e.StatusCode,
		"bytes", e.Bytes,
	)
}

// LogRequest is middleware that logs every request once it completes, at a
// level chosen by the response status.
func (s *Server) LogRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		entry := LogEntry{
			IP:        r.RemoteAddr,
			RequestID: middleware.GetReqID(r.Context()),
			Method:    r.Method,
			URL:       r.URL.String(),
			Proto:     r.Proto,
		}

		writer := ResponseWriterWrapper{ResponseWriter: w}

		// Handlers further down record the authenticated user here.
		holder := &userHolder{}
		r = r.WithContext(withUserHolder(r.Context(), holder))

		start := time.Now()
		next.ServeHTTP(&writer, r)
		elapsed := time.Since(start).Nanoseconds()

		entry.DurationMS = float64(elapsed) / float64(time.Millisecond)
		entry.StatusCode = writer.WrittenResponseCode
		entry.Bytes = writer.BytesWritten
		if holder.user != nil {
			entry.User = holder.user.Name
		}

		switch {
		case writer.WrittenResponseCode >= 500:
			s.logger.Error("Request", entry.UserAttr(), entry.RequestAttr())
		case writer.WrittenResponseCode >= 400:
			s.logger.Warn("Request", entry.UserAttr(), entry.RequestAttr())
		default:
			s.logger.Info("Request", entry.UserAttr(), entry.RequestAttr())
		}
	})
}

// RequireAuthentication is middleware that rejects requests the configured
// AuthEngine does not accept.
func (s *Server) RequireAuthentication(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		ctx := r.Context()

		user, err := s.authenticator.AuthenticateRequest(ctx, r)
		if err != nil {
			s.logger.Error("Authentication error", "error", err)
		}
		if user == nil || err != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="blobsilo"`)
			writeJSON(w, http.StatusUnauthorized, &Error{Code: "unauthorized", Message: "Authentication required"})
			return
		}

		if holder := userHolderFrom(ctx); holder != nil {
			holder.user = user
		}
		next.ServeHTTP(w, r.WithContext(auth.WithUser(ctx, user)))
	})
}

func (s *Server) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					// we don't recover http.ErrAbortHandler so the response
					// to the client is aborted, this should not be logged
					panic(rvr)
				}

				s.logger.Error("Internal Error in HTTP handler", "error", rvr)

				if r.Header.Get("Connection") != "Upgrade" {
					writeJSON(w, http.StatusInternalServerError, &Error{Code: CodeIOFailure, Message: maskedMessages[CodeIOFailure]})
				}
			}
		}()

		next.ServeHTTP(w, r)
	})
}
