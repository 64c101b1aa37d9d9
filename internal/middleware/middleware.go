// Package middleware implements the search pipeline hooks. Hooks run in
// descending priority order, and a failing hook is skipped: the pipeline
// continues with the last good value.
package middleware

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/seantiz/enginebridge/internal/model"
)

// Context describes the search a hook is running for.
type Context struct {
	EngineID   string
	PositionID string
	Options    model.SearchOptions
}

// Middleware is a set of optional hooks. A nil hook is skipped.
type Middleware struct {
	ID       string
	Priority int
	// SupportedEngines restricts the middleware to these engine ids. Empty
	// means every engine.
	SupportedEngines []string

	OnCommand func(mc Context, commands []string) ([]string, error)
	OnInfo    func(mc Context, info model.Info) (model.Info, error)
	OnResult  func(mc Context, res model.Result) (model.Result, error)
}

// Applies reports whether m runs for engineID.
func (m Middleware) Applies(engineID string) bool {
	return len(m.SupportedEngines) == 0 || slices.Contains(m.SupportedEngines, engineID)
}

// Chain is an ordered, id-keyed middleware set. The zero value is ready.
type Chain struct {
	mu  sync.RWMutex
	mws []Middleware
}

// NewChain builds a chain from mws.
func NewChain(mws ...Middleware) *Chain {
	c := &Chain{}
	for _, m := range mws {
		c.Use(m)
	}
	return c
}

// Use inserts m, replacing any middleware with the same id, and re-sorts by
// descending priority. Equal priorities keep insertion order.
func (c *Chain) Use(m Middleware) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mws = slices.DeleteFunc(c.mws, func(x Middleware) bool { return x.ID == m.ID })
	c.mws = append(c.mws, m)
	slices.SortStableFunc(c.mws, func(a, b Middleware) int { return b.Priority - a.Priority })
}

// Remove drops the middleware with id.
func (c *Chain) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mws = slices.DeleteFunc(c.mws, func(x Middleware) bool { return x.ID == id })
}

// List returns the middlewares in execution order.
func (c *Chain) List() []Middleware {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.mws)
}

// For returns a new chain holding only the middlewares applying to engineID.
func (c *Chain) For(engineID string) *Chain {
	out := &Chain{}
	for _, m := range c.List() {
		if m.Applies(engineID) {
			out.mws = append(out.mws, m)
		}
	}
	return out
}

// Len returns the number of middlewares.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.mws)
}

// Commands runs every OnCommand hook.
func (c *Chain) Commands(logger *slog.Logger, mc Context, commands []string) []string {
	return run(c, logger, "on_command", mc, commands, func(m Middleware) func(Context, []string) ([]string, error) {
		return m.OnCommand
	})
}

// Info runs every OnInfo hook.
func (c *Chain) Info(logger *slog.Logger, mc Context, info model.Info) model.Info {
	return run(c, logger, "on_info", mc, info, func(m Middleware) func(Context, model.Info) (model.Info, error) {
		return m.OnInfo
	})
}

// Result runs every OnResult hook.
func (c *Chain) Result(logger *slog.Logger, mc Context, res model.Result) model.Result {
	return run(c, logger, "on_result", mc, res, func(m Middleware) func(Context, model.Result) (model.Result, error) {
		return m.OnResult
	})
}

func run[T any](c *Chain, logger *slog.Logger, hook string, mc Context, v T, pick func(Middleware) func(Context, T) (T, error)) T {
	if c == nil {
		return v
	}
	if logger == nil {
		logger = slog.Default()
	}
	for _, m := range c.List() {
		fn := pick(m)
		if fn == nil || !m.Applies(mc.EngineID) {
			continue
		}
		next, err := call(fn, mc, v)
		if err != nil {
			logger.Warn("middleware failed, skipping",
				"middleware", m.ID, "hook", hook, "engine_id", mc.EngineID, "error", err)
			continue
		}
		v = next
	}
	return v
}

// call runs fn, converting a panic into an error.
func call[T any](fn func(Context, T) (T, error), mc Context, v T) (out T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(mc, v)
}
