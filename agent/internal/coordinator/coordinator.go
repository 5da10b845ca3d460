package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"
)

// State is the update handoff state.
type State int32

const (
	Normal State = iota
	UpdateConfig
)

func (s State) String() string {
	switch s {
	case Normal:
		return "NORMAL"
	case UpdateConfig:
		return "UPDATE_CONFIG"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Default option values.
const (
	DefaultConfigUpdateInterval   = 10 * time.Second
	DefaultFileTagsUpdateInterval = 1 * time.Second
	DefaultTick                   = 1 * time.Second
	DefaultMaxJitter              = 900 * time.Millisecond
)

// Checker is the work done on the checker goroutine.
type Checker interface {
	SendMetadata(ctx context.Context)
	// SyncRemote runs one remote sync cycle. It also runs while an update is
	// pending; the files it writes are picked up by a later local scan.
	SyncRemote(ctx context.Context)
	DeleteHandlers() int
	// StageLocalUpdate scans the local sources and, if anything changed,
	// stages the new state and returns true.
	StageLocalUpdate(ctx context.Context) bool
	UpdateFileTags()
}

// Reloader applies the staged state on the dispatch goroutine.
type Reloader interface {
	ApplyUpdate(ctx context.Context)
}

// Options tunes a Coordinator. Zero fields take the defaults; a negative
// MaxJitter disables the start delay.
type Options struct {
	ConfigUpdateInterval   time.Duration
	FileTagsUpdateInterval time.Duration
	Tick                   time.Duration
	MaxJitter              time.Duration
}

// Coordinator owns the State flag.
type Coordinator struct {
	state atomic.Int32
	opts  Options

	// Owned by the checker goroutine.
	lastCheck time.Time
	lastTags  time.Time

	now func() time.Time
}

// New returns a Coordinator in state Normal.
func New(opts Options) *Coordinator {
	if opts.ConfigUpdateInterval <= 0 {
		opts.ConfigUpdateInterval = DefaultConfigUpdateInterval
	}
	if opts.FileTagsUpdateInterval <= 0 {
		opts.FileTagsUpdateInterval = DefaultFileTagsUpdateInterval
	}
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	if opts.MaxJitter == 0 {
		opts.MaxJitter = DefaultMaxJitter
	}
	return &Coordinator{opts: opts, now: time.Now}
}

// State returns the current state.
func (c *Coordinator) State() State { return State(c.state.Load()) }

// IsUpdate reports whether an update is staged and not yet applied.
func (c *Coordinator) IsUpdate() bool { return c.State() == UpdateConfig }

// RunChecker runs the checker loop until ctx is cancelled.
func (c *Coordinator) RunChecker(ctx context.Context, ch Checker) error {
	if c.opts.MaxJitter > 0 {
		delay := rand.N(c.opts.MaxJitter)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}

	ch.SendMetadata(ctx)
	slog.Info("coordinator: checker started",
		"config_update_interval", c.opts.ConfigUpdateInterval,
		"file_tags_update_interval", c.opts.FileTagsUpdateInterval)

	ticker := time.NewTicker(c.opts.Tick)
	defer ticker.Stop()
	for {
		c.step(ctx, ch, c.now())
		select {
		case <-ctx.Done():
			slog.Info("coordinator: checker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// step runs whatever is due at now.
func (c *Coordinator) step(ctx context.Context, ch Checker, now time.Time) {
	if c.lastCheck.IsZero() || now.Sub(c.lastCheck) >= c.opts.ConfigUpdateInterval {
		ch.SyncRemote(ctx)
		if !c.IsUpdate() {
			ch.DeleteHandlers()
		}
		if !c.IsUpdate() && ch.StageLocalUpdate(ctx) {
			// The staged data is published by this store.
			c.state.Store(int32(UpdateConfig))
			slog.Info("coordinator: update staged")
		}
		c.lastCheck = now
	}
	if c.lastTags.IsZero() || now.Sub(c.lastTags) >= c.opts.FileTagsUpdateInterval {
		ch.UpdateFileTags()
		c.lastTags = now
	}
}

// Dispatch applies a staged update, if any, and reports whether it did.
// It must only be called from the dispatch goroutine.
func (c *Coordinator) Dispatch(ctx context.Context, r Reloader) bool {
	if !c.IsUpdate() {
		return false
	}
	r.ApplyUpdate(ctx)
	c.state.Store(int32(Normal))
	slog.Debug("coordinator: update applied")
	return true
}
