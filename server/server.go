// Package server exposes managed streams over HTTP with single-range
// support.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/blobstreamorg/libblobstream-go/blob"
	"github.com/blobstreamorg/libblobstream-go/manager"
	"github.com/blobstreamorg/libblobstream-go/resolver"
)

// Server serves stream content by name. Ranges address served coordinates,
// so the reported size includes the zero tail after the true plaintext.
type Server struct {
	mgr  *manager.Manager
	res  resolver.Resolver
	log  *logrus.Logger
	http *http.Server
}

// New builds a server listening on addr once Start is called.
func New(addr string, mgr *manager.Manager, res resolver.Resolver, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{mgr: mgr, res: res, log: logger}
	s.http = &http.Server{Addr: addr, Handler: s.Handler()}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /get/{name}", s.handleGet)
	mux.HandleFunc("GET /blob/{hash}", s.handleGetBlob)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return applyMiddleware(mux,
		recoveryMiddleware(s.log),
		loggingMiddleware(s.log),
		requestIDMiddleware,
	)
}

// Start runs the listener until Shutdown is called.
func (s *Server) Start() error {
	s.log.WithField("addr", s.http.Addr).Info("http server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := r.PathValue("name")

	sdHash, err := s.res.Resolve(ctx, name)
	if err != nil {
		if errors.Is(err, resolver.ErrUnknownName) {
			http.Error(w, "unknown stream name", http.StatusNotFound)
			return
		}
		s.logErr(r, err, "resolve failed")
		http.Error(w, "resolve failed", http.StatusBadGateway)
		return
	}

	if _, err := s.mgr.Add(ctx, name, sdHash); err != nil {
		if errors.Is(err, blob.ErrNotFound) || errors.Is(err, blob.ErrNoSource) {
			http.Error(w, "stream descriptor not found", http.StatusNotFound)
			return
		}
		s.logErr(r, err, "add stream failed")
		http.Error(w, "failed to add stream", http.StatusInternalServerError)
		return
	}

	size, err := s.mgr.ServedSize(ctx, sdHash)
	if err != nil {
		s.logErr(r, err, "served size failed")
		http.Error(w, "failed to load stream", http.StatusInternalServerError)
		return
	}

	start, end := int64(0), size
	status := http.StatusOK
	if rh := r.Header.Get("Range"); rh != "" {
		rs, re, perr := parseRange(rh, size)
		switch {
		case perr != nil:
			// Unparseable or multi-part ranges are ignored and the full
			// representation is served.
		case rs >= size:
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			http.Error(w, "range not satisfiable", http.StatusRequestedRangeNotSatisfiable)
			return
		default:
			start, end = rs, re
			status = http.StatusPartialContent
		}
	}

	rc, err := s.mgr.Read(ctx, sdHash, start, end)
	if err != nil {
		s.logErr(r, err, "open stream reader failed")
		http.Error(w, "failed to read stream", http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.FormatInt(end-start, 10))
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end-1, size))
	w.WriteHeader(status)

	if _, err := io.Copy(w, rc); err != nil {
		// Headers are gone; all we can do is log.
		s.logErr(r, err, "stream copy aborted")
	}
}

// handleGetBlob serves raw blob ciphertext out of the local store, making
// this daemon usable as a peer for other daemons' blob sources.
func (s *Server) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")
	if !blob.IsValidHash(hash) {
		http.Error(w, "invalid blob hash", http.StatusBadRequest)
		return
	}
	rc, err := s.mgr.Store().OpenStream(hash)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			http.Error(w, "blob not found", http.StatusNotFound)
			return
		}
		s.logErr(r, err, "open blob failed")
		http.Error(w, "failed to read blob", http.StatusInternalServerError)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, rc); err != nil {
		s.logErr(r, err, "blob copy aborted")
	}
}

func (s *Server) logErr(r *http.Request, err error, msg string) {
	reqID, _ := r.Context().Value(contextKeyRequestID).(string)
	s.log.WithFields(logrus.Fields{
		"error":      err,
		"path":       r.URL.Path,
		"request_id": reqID,
	}).Warn(msg)
}

// parseRange parses a single "bytes=s-e" header against a resource of the
// given size. The wire format is inclusive; the returned end is exclusive
// and clamped to size. An open-ended "bytes=s-" runs to the end.
func parseRange(header string, size int64) (int64, int64, error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, 0, ErrInvalidRange
	}
	if strings.Contains(spec, ",") {
		return 0, 0, ErrInvalidRange
	}
	first, last, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok || first == "" {
		// Suffix ranges are not supported.
		return 0, 0, ErrInvalidRange
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, ErrInvalidRange
	}
	end := size
	if last != "" {
		e, err := strconv.ParseInt(last, 10, 64)
		if err != nil || e < start {
			return 0, 0, ErrInvalidRange
		}
		end = e + 1
	}
	if end > size {
		end = size
	}
	return start, end, nil
}
