// SPDX-License-Identifier: MPL-2.0

package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/aicalamba/aicalamba/internal/container"
)

// Compile-time interface check
var _ container.Engine = (*fakeEngine)(nil)

// fakeEngine records calls and simulates an engine's image store.
type fakeEngine struct {
	mu sync.Mutex

	images  map[container.ImageTag]bool
	builds  []container.BuildOptions
	removed []container.ImageTag
	runs    []container.RunOptions

	// buildErrs are returned, in order, for builds of a target
	buildErrs map[string][]error
	// inspect is returned for every InspectImage call
	inspect *container.ImageConfig
	// files is returned for every ListFiles call
	files []string
	// runResult is returned for every Run call
	runResult *container.RunResult
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		images:    make(map[container.ImageTag]bool),
		buildErrs: make(map[string][]error),
		runResult: &container.RunResult{},
	}
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) Available() bool { return true }

func (f *fakeEngine) Version(context.Context) (string, error) { return "fake 1.0", nil }

func (f *fakeEngine) ListFiles(context.Context, container.ImageTag) ([]string, error) {
	return f.files, nil
}

func (f *fakeEngine) Build(_ context.Context, opts container.BuildOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds = append(f.builds, opts)
	if errs := f.buildErrs[opts.Target]; len(errs) > 0 {
		err := errs[0]
		f.buildErrs[opts.Target] = errs[1:]
		if err != nil {
			return err
		}
	}
	f.images[opts.Tag] = true
	return nil
}

func (f *fakeEngine) Run(_ context.Context, opts container.RunOptions) (*container.RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, opts)
	return f.runResult, nil
}

func (f *fakeEngine) ImageExists(_ context.Context, image container.ImageTag) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[image], nil
}

func (f *fakeEngine) RemoveImage(_ context.Context, image container.ImageTag, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.images[image] {
		return fmt.Errorf("no such image: %s", image)
	}
	delete(f.images, image)
	f.removed = append(f.removed, image)
	return nil
}

func (f *fakeEngine) InspectImage(_ context.Context, image container.ImageTag) (*container.ImageConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.images[image] {
		return nil, fmt.Errorf("no such image: %s", image)
	}
	return f.inspect, nil
}

// buildTargets returns the --target of every build in order.
func (f *fakeEngine) buildTargets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.builds))
	for _, b := range f.builds {
		out = append(out, b.Target)
	}
	return out
}
