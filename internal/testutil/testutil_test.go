// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type stopper struct {
	calls int
	err   error
}

func (s *stopper) Stop() error {
	s.calls++
	return s.err
}

func TestMustWriteFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	MustWriteFiles(t, dir, map[string]string{
		"go.mod":          "module example.com/app\n",
		"cmd/app/main.go": "package main\n",
	})

	data, err := os.ReadFile(filepath.Join(dir, "cmd", "app", "main.go"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "package main\n" {
		t.Errorf("content = %q", data)
	}
}

func TestDeferStop(t *testing.T) {
	t.Parallel()

	s := &stopper{err: errors.New("already stopped")}
	cleanup := DeferStop(t, s)
	if s.calls != 0 {
		t.Fatal("DeferStop must not stop immediately")
	}
	cleanup()
	if s.calls != 1 {
		t.Errorf("Stop() calls = %d, want 1", s.calls)
	}
}

func TestFakeClock(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	c := NewFakeClock(start)
	if !c.Now().Equal(start) {
		t.Errorf("Now() = %v", c.Now())
	}

	c.Advance(90 * time.Second)
	if got := c.Now().Sub(start); got != 90*time.Second {
		t.Errorf("after Advance, elapsed = %v", got)
	}

	tick := c.Tick(time.Second)
	first, second := tick(), tick()
	if second.Sub(first) != time.Second {
		t.Errorf("Tick step = %v", second.Sub(first))
	}

	if NewFakeClock(time.Time{}).Now().IsZero() {
		t.Error("zero initial time should default to a reference time")
	}
}

func TestContainerParallelism(t *testing.T) {
	t.Setenv("AICALAMBA_TEST_CONTAINER_PARALLEL", "5")
	if got := containerParallelism(); got != 5 {
		t.Errorf("containerParallelism() = %d, want 5", got)
	}

	t.Setenv("AICALAMBA_TEST_CONTAINER_PARALLEL", "zero")
	if got := containerParallelism(); got < 1 || got > 2 {
		t.Errorf("fallback parallelism = %d", got)
	}
}
