package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type LoadState int

const (
	NotLoaded LoadState = iota
	Loading
	Loaded
)

func (s LoadState) String() string {
	switch s {
	case NotLoaded:
		return "not_loaded"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	default:
		return fmt.Sprintf("LoadState(%d)", int(s))
	}
}

// modelLoader holds the process-wide model handle. At most one Runtime.Load
// is in flight; failures are not remembered.
type modelLoader struct {
	runtime Runtime
	timeout time.Duration

	group singleflight.Group
	// afterJoin, when set, runs once a caller is attached to the flight.
	afterJoin func()

	mu    sync.RWMutex
	state LoadState
	model Model
}

func newModelLoader(rt Runtime, timeout time.Duration) *modelLoader {
	return &modelLoader{runtime: rt, timeout: timeout}
}

func (l *modelLoader) State() LoadState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *modelLoader) cached() Model {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.model
}

// get returns the loaded model, loading it on first use. A caller whose ctx
// ends stops waiting but the shared load keeps going for the others.
func (l *modelLoader) get(ctx context.Context) (Model, error) {
	if m := l.cached(); m != nil {
		return m, nil
	}

	ch := l.group.DoChan("model", func() (any, error) {
		return l.load(context.WithoutCancel(ctx))
	})
	if l.afterJoin != nil {
		l.afterJoin()
	}
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Model), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *modelLoader) load(ctx context.Context) (Model, error) {
	l.mu.Lock()
	if l.model != nil {
		// a previous flight finished between cached() and DoChan
		m := l.model
		l.mu.Unlock()
		return m, nil
	}
	l.state = Loading
	l.mu.Unlock()

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	start := time.Now()
	slog.Info("Loading model")
	m, err := l.runtime.Load(ctx)
	if err == nil && m == nil {
		err = fmt.Errorf("runtime returned no model")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.state = NotLoaded
		slog.Error("Model load failed", slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %w", ErrModelLoad, err)
	}
	l.model = m
	l.state = Loaded
	slog.Info("Model loaded", slog.String("took", time.Since(start).String()))
	return m, nil
}
