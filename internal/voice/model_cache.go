package voice

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// ModelBuilder constructs the speech model. It is called at most once per
// successful build.
type ModelBuilder func(ctx context.Context) (SpeechModel, error)

type builtModel struct {
	model SpeechModel
}

// ModelCache lazily builds a process-wide SpeechModel. Once built, Get is a
// single atomic load. Concurrent first callers serialize on the build and
// all observe the same instance. A failed build is not cached.
type ModelCache struct {
	build   ModelBuilder
	model   atomic.Pointer[builtModel]
	sem     chan struct{}
	builds  atomic.Int64
	onBuilt func(time.Duration)
}

func NewModelCache(build ModelBuilder, onBuilt func(time.Duration)) *ModelCache {
	return &ModelCache{
		build:   build,
		sem:     make(chan struct{}, 1),
		onBuilt: onBuilt,
	}
}

func (c *ModelCache) Get(ctx context.Context) (SpeechModel, error) {
	if m := c.model.Load(); m != nil {
		return m.model, nil
	}

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
	defer func() { <-c.sem }()

	if m := c.model.Load(); m != nil {
		return m.model, nil
	}
	if c.build == nil {
		return nil, errors.New("speech model builder not configured")
	}

	start := time.Now()
	c.builds.Add(1)
	model, err := c.build(ctx)
	if err != nil {
		return nil, fmt.Errorf("model loading failed: %w", err)
	}
	if model == nil {
		return nil, errors.New("model loading failed: builder returned nil")
	}
	c.model.Store(&builtModel{model: model})
	if c.onBuilt != nil {
		c.onBuilt(time.Since(start))
	}
	return model, nil
}

func (c *ModelCache) Loaded() bool {
	return c.model.Load() != nil
}

// Builds reports how many build attempts have started.
func (c *ModelCache) Builds() int64 {
	return c.builds.Load()
}
