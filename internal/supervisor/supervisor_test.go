// Casewire - Real-Time Case Collaboration Hub
// Copyright 2026 Casewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casewire/casewire

package supervisor

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/casewire/casewire/internal/logging"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{
		Level:  "info",
		Format: "console",
		Output: io.Discard,
	})
}

// fakeServer implements HTTPServer with controllable behavior.
type fakeServer struct {
	listenErr    error
	listenBlock  chan struct{}
	shutdownDone atomic.Bool
}

func (f *fakeServer) ListenAndServe() error {
	if f.listenErr != nil {
		return f.listenErr
	}
	<-f.listenBlock
	return errors.New("listener closed")
}

func (f *fakeServer) Shutdown(context.Context) error {
	f.shutdownDone.Store(true)
	close(f.listenBlock)
	return nil
}

func TestHTTPServiceGracefulShutdown(t *testing.T) {
	srv := &fakeServer{listenBlock: make(chan struct{})}
	svc := NewHTTPService(srv, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Serve returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	if !srv.shutdownDone.Load() {
		t.Fatal("Shutdown was not called")
	}
}

func TestHTTPServiceStartFailure(t *testing.T) {
	srv := &fakeServer{listenErr: errors.New("port in use")}
	svc := NewHTTPService(srv, time.Second)

	err := svc.Serve(context.Background())
	if err == nil || !errors.Is(err, srv.listenErr) {
		t.Fatalf("Serve = %v, want wrapped listen error", err)
	}
}

// flakyService fails a fixed number of times before running cleanly.
type flakyService struct {
	failures atomic.Int32
	runs     atomic.Int32
}

func (s *flakyService) Serve(ctx context.Context) error {
	s.runs.Add(1)
	if s.failures.Add(-1) >= 0 {
		return errors.New("transient failure")
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *flakyService) String() string { return "flaky-service" }

func TestTreeRestartsFailedService(t *testing.T) {
	tree := NewTree(logging.NewSlogLogger(), TreeConfig{
		FailureThreshold: 10,
		FailureBackoff:   10 * time.Millisecond,
	})

	svc := &flakyService{}
	svc.failures.Store(2)
	tree.AddMessagingService(svc)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && svc.runs.Load() < 3 {
		time.Sleep(10 * time.Millisecond)
	}
	if got := svc.runs.Load(); got < 3 {
		t.Fatalf("service ran %d times, want at least 3 (restarted after failures)", got)
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("tree did not stop after cancel")
	}
}
