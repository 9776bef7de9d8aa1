// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

// Package httpapi serves the daemon's auxiliary debug HTTP surface:
// liveness, the status snapshot, and Prometheus metrics. It is entirely
// separate from the client wire protocol, which runs over its own framed
// TCP/Unix socket (internal/server).
package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/fbuildd/fbuildd/internal/status"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	fbuildlog "github.com/fbuildd/fbuildd/internal/log"
)

// Server wraps an http.Server bound to the configured debug address. A
// caller with no DebugHTTPAddr configured never calls New at all.
type Server struct {
	httpSrv *http.Server
}

// New builds the debug HTTP router: /healthz (unauthenticated, rate
// limited), /status (mirrors status.Manager.Snapshot), and /metrics
// (promhttp). httprate guards against a misbehaving monitoring script
// hammering the daemon; this surface was never meant to carry load.
func New(addr string, statusMgr *status.Manager) *Server {
	r := chi.NewRouter()
	r.Use(fbuildlog.Middleware())
	r.Use(httprate.Limit(100, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		snap := statusMgr.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	})

	r.Handle("/metrics", promhttp.Handler())

	return &Server{httpSrv: &http.Server{Addr: addr, Handler: r}}
}

// Start begins serving in a background goroutine. Bind failures are
// reported on errCh rather than returned, since the caller has already
// moved on to accepting client connections by the time this would fail.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		errCh <- err
		close(errCh)
		return errCh
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
