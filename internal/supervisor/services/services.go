// Sessionguard - Emby Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionguard

// Package services adapts Sessionguard components to suture.Service.
//
// Every wrapper blocks in Serve until its context is cancelled and implements
// fmt.Stringer so suture can name it in log events.
package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tomtom215/sessionguard/internal/logging"
)

// Runner is a component with a blocking, context-aware run loop.
// Satisfied by *monitor.Monitor and *websocket.Hub.
type Runner interface {
	RunWithContext(ctx context.Context) error
}

// MonitorService supervises the poll loop. A return before cancellation is
// treated as a crash and the loop is restarted.
type MonitorService struct {
	runner Runner
	name   string
}

// NewMonitorService wraps the poll loop.
func NewMonitorService(runner Runner) *MonitorService {
	return &MonitorService{runner: runner, name: "poll-loop"}
}

// Serve implements suture.Service.
func (s *MonitorService) Serve(ctx context.Context) error {
	return s.runner.RunWithContext(ctx)
}

func (s *MonitorService) String() string {
	return s.name
}

// WebSocketHubService supervises the live event hub. Runner is satisfied by
// *websocket.Hub.
type WebSocketHubService struct {
	hub  Runner
	name string
}

// NewWebSocketHubService wraps hub.
func NewWebSocketHubService(hub Runner) *WebSocketHubService {
	return &WebSocketHubService{hub: hub, name: "websocket-hub"}
}

// Serve implements suture.Service.
func (s *WebSocketHubService) Serve(ctx context.Context) error {
	return s.hub.RunWithContext(ctx)
}

func (s *WebSocketHubService) String() string {
	return s.name
}

// HTTPServer matches the lifecycle methods of *http.Server.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPServerService runs an HTTP server and shuts it down gracefully when the
// supervisor stops it.
type HTTPServerService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
	name            string
}

// NewHTTPServerService wraps server. A non-positive timeout means 10s.
func NewHTTPServerService(server HTTPServer, shutdownTimeout time.Duration) *HTTPServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPServerService{
		server:          server,
		shutdownTimeout: shutdownTimeout,
		name:            "http-server",
	}
}

// Serve implements suture.Service. http.ErrServerClosed is not an error.
func (s *HTTPServerService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil

	case <-ctx.Done():
		// ctx is already cancelled; shutdown needs its own deadline.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (s *HTTPServerService) String() string {
	return s.name
}

// Checkpointer flushes the database write-ahead log.
// Satisfied by *database.DB.
type Checkpointer interface {
	Checkpoint(ctx context.Context) error
}

// CheckpointService checkpoints the database on an interval and once more
// on shutdown, keeping the DuckDB WAL short.
type CheckpointService struct {
	db       Checkpointer
	interval time.Duration
	name     string
}

// NewCheckpointService wraps db. A non-positive interval means 15 minutes.
func NewCheckpointService(db Checkpointer, interval time.Duration) *CheckpointService {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &CheckpointService{db: db, interval: interval, name: "db-checkpoint"}
}

// Serve implements suture.Service. Checkpoint failures are logged and
// retried on the next tick.
func (s *CheckpointService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.db.Checkpoint(finalCtx); err != nil {
				logging.Warn().Err(err).Msg("Final database checkpoint failed")
			}
			return ctx.Err()
		case <-ticker.C:
			if err := s.db.Checkpoint(ctx); err != nil {
				logging.Warn().Err(err).Msg("Database checkpoint failed")
			}
		}
	}
}

func (s *CheckpointService) String() string {
	return s.name
}

// Closer releases a connection on shutdown.
// Satisfied by *detection.NATSNotifier.
type Closer interface {
	Close() error
}

// CloserService holds a lazily connected client open for the life of the
// tree and closes it when the tree stops.
type CloserService struct {
	closer Closer
	name   string
}

// NewCloserService wraps c under name.
func NewCloserService(name string, c Closer) *CloserService {
	return &CloserService{closer: c, name: name}
}

// Serve implements suture.Service.
func (s *CloserService) Serve(ctx context.Context) error {
	<-ctx.Done()
	if err := s.closer.Close(); err != nil {
		logging.Warn().Err(err).Str("service", s.name).Msg("Close failed")
	}
	return ctx.Err()
}

func (s *CloserService) String() string {
	return s.name
}
