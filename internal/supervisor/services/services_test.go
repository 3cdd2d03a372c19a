// Sessionguard - Emby Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionguard

package services

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeRunner struct{ calls atomic.Int32 }

func (f *fakeRunner) RunWithContext(ctx context.Context) error {
	f.calls.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func TestMonitorService(t *testing.T) {
	r := &fakeRunner{}
	svc := NewMonitorService(r)
	if svc.String() != "poll-loop" {
		t.Errorf("String() = %q", svc.String())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Serve() = %v, want context.Canceled", err)
	}
	if r.calls.Load() != 1 {
		t.Errorf("RunWithContext calls = %d", r.calls.Load())
	}
}

func TestWebSocketHubService(t *testing.T) {
	r := &fakeRunner{}
	svc := NewWebSocketHubService(r)
	if svc.String() != "websocket-hub" {
		t.Errorf("String() = %q", svc.String())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := svc.Serve(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Serve() = %v, want context.Canceled", err)
	}
}

// mockHTTPServer blocks in ListenAndServe until Shutdown is called.
type mockHTTPServer struct {
	mu          sync.Mutex
	started     chan struct{}
	stop        chan struct{}
	listenErr   error
	shutdownErr error
	shutdowns   int
}

func newMockHTTPServer() *mockHTTPServer {
	return &mockHTTPServer{started: make(chan struct{}), stop: make(chan struct{})}
}

func (m *mockHTTPServer) ListenAndServe() error {
	close(m.started)
	if m.listenErr != nil {
		return m.listenErr
	}
	<-m.stop
	return http.ErrServerClosed
}

func (m *mockHTTPServer) Shutdown(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdowns++
	close(m.stop)
	return m.shutdownErr
}

func TestHTTPServerServiceGracefulShutdown(t *testing.T) {
	srv := newMockHTTPServer()
	svc := NewHTTPServerService(srv, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	<-srv.started
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	if srv.shutdowns != 1 {
		t.Errorf("Shutdown calls = %d, want 1", srv.shutdowns)
	}
}

func TestHTTPServerServiceListenError(t *testing.T) {
	srv := newMockHTTPServer()
	srv.listenErr = errors.New("address already in use")
	svc := NewHTTPServerService(srv, 0)

	err := svc.Serve(context.Background())
	if err == nil || !errors.Is(err, srv.listenErr) {
		t.Errorf("Serve() = %v, want wrapped listen error", err)
	}
	if svc.shutdownTimeout != 10*time.Second {
		t.Errorf("shutdownTimeout = %v, want default 10s", svc.shutdownTimeout)
	}
}

type fakeCheckpointer struct {
	calls atomic.Int32
	err   error
}

func (f *fakeCheckpointer) Checkpoint(context.Context) error {
	f.calls.Add(1)
	return f.err
}

func TestCheckpointService(t *testing.T) {
	db := &fakeCheckpointer{err: errors.New("busy")}
	svc := NewCheckpointService(db, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for db.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	before := db.calls.Load()
	cancel()
	<-done

	if before < 2 {
		t.Fatalf("checkpoints before shutdown = %d, want >= 2 despite errors", before)
	}
	if db.calls.Load() <= before {
		t.Errorf("expected a final checkpoint on shutdown")
	}
}

type fakeCloser struct{ closed atomic.Bool }

func (f *fakeCloser) Close() error {
	f.closed.Store(true)
	return nil
}

func TestCloserService(t *testing.T) {
	c := &fakeCloser{}
	svc := NewCloserService("nats-publisher", c)
	if svc.String() != "nats-publisher" {
		t.Errorf("String() = %q", svc.String())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := svc.Serve(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Serve() = %v", err)
	}
	if !c.closed.Load() {
		t.Error("Close was not called")
	}
}
