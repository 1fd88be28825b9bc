// SPDX-License-Identifier: MPL-2.0

package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/aicalamba/aicalamba/internal/testutil"
)

func TestServer_StartStop(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &fakeExtractor{})
	if s.State() != StateCreated {
		t.Fatalf("initial state = %s", s.State())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if !s.IsRunning() {
		t.Fatalf("state after Start = %s", s.State())
	}

	resp, err := http.Get("http://" + s.Address() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Errorf("healthz = %d %q", resp.StatusCode, body)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if s.State() != StateStopped {
		t.Errorf("state after Stop = %s", s.State())
	}
	if _, open := <-s.Err(); open {
		t.Error("Err() channel should be closed after Stop")
	}
	if err := s.Wait(); err != nil {
		t.Errorf("Wait() = %v", err)
	}
}

func TestServer_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &fakeExtractor{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for range 5 {
		wg.Go(func() {
			if err := s.Stop(); err != nil {
				t.Errorf("Stop() error: %v", err)
			}
		})
	}
	wg.Wait()
	if s.State() != StateStopped {
		t.Errorf("state = %s", s.State())
	}
}

func TestServer_StopBeforeStart(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &fakeExtractor{})
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if s.State() != StateStopped {
		t.Errorf("state = %s", s.State())
	}
	if err := s.Start(context.Background()); err == nil || !strings.Contains(err.Error(), "cannot start server in state stopped") {
		t.Errorf("Start() after Stop = %v", err)
	}
}

func TestServer_StartTwice(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &fakeExtractor{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer testutil.DeferStop(t, s)()

	if err := s.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}
}

func TestServer_StartCancelledContext(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &fakeExtractor{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Start(ctx); err == nil {
		t.Fatal("Start() with cancelled context should fail")
	}
	if s.State() != StateFailed {
		t.Errorf("state = %s, want failed", s.State())
	}
	if s.LastError() == nil {
		t.Error("LastError() is nil")
	}
}

func TestServer_ListenFailure(t *testing.T) {
	t.Parallel()

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()

	s, err := New(Config{Addr: busy.Addr().String()}, &fakeExtractor{}, WithLogger(log.New(io.Discard)))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("Start() on a busy port should fail")
	}
	if s.State() != StateFailed {
		t.Errorf("state = %s", s.State())
	}
	if err := s.Wait(); err == nil {
		t.Error("Wait() should report the startup failure")
	}
	if err := s.Stop(); err != nil {
		t.Errorf("Stop() after failure = %v", err)
	}
}

// brokenListener fails every Accept with a permanent error.
type brokenListener struct {
	net.Listener
}

var errAcceptBroken = errors.New("accept: too many open files in system")

func (brokenListener) Accept() (net.Conn, error) { return nil, errAcceptBroken }

func TestServer_ServeFailure(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &fakeExtractor{})
	if err := s.toStarting(context.Background()); err != nil {
		t.Fatal(err)
	}
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: time.Second}
	s.wg.Add(1)
	go s.serve(srv, brokenListener{Listener: inner})

	done := make(chan error, 1)
	go func() { done <- s.Wait() }()
	select {
	case err := <-done:
		if !errors.Is(err, errAcceptBroken) {
			t.Errorf("Wait() = %v, want the serve failure", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait() did not return after serving failed")
	}
	if s.State() != StateFailed {
		t.Errorf("state = %s, want failed", s.State())
	}
	select {
	case err := <-s.Err():
		if !errors.Is(err, errAcceptBroken) {
			t.Errorf("Err() delivered %v", err)
		}
	default:
		t.Error("Err() did not deliver the serve failure")
	}
	if err := s.Stop(); err != nil {
		t.Errorf("Stop() after failure = %v", err)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := map[State]string{
		StateCreated:  "created",
		StateStarting: "starting",
		StateRunning:  "running",
		StateStopping: "stopping",
		StateStopped:  "stopped",
		StateFailed:   "failed",
		State(42):     "unknown",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
	if !StateStopped.IsTerminal() || !StateFailed.IsTerminal() || StateRunning.IsTerminal() {
		t.Error("IsTerminal() mismatch")
	}
}
