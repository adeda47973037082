// Package pipeline registers the jobs a request kind dispatches to. Jobs are
// opaque: they return an outcome with an HTTP status and the orchestrator
// decides what that status means for the circuit breaker.
package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"sort"
	"sync"

	"pkt.systems/pslog"
)

// Well-known request kinds.
const (
	KindRoot   = "root"
	KindScrape = "scrape"
	KindMusts  = "musts"
)

// Outcome is what a pipeline reports back.
type Outcome struct {
	HTTPStatus int
	Status     string
	Message    string
	Extra      map[string]any
}

// Pipeline runs one job to completion.
type Pipeline interface {
	Run(ctx context.Context) (Outcome, error)
}

// Func adapts a function to Pipeline.
type Func func(ctx context.Context) (Outcome, error)

// Run calls f.
func (f Func) Run(ctx context.Context) (Outcome, error) { return f(ctx) }

// Registry maps request kinds to pipelines.
type Registry struct {
	mu        sync.RWMutex
	pipelines map[string]Pipeline
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{pipelines: make(map[string]Pipeline)}
}

// Register binds kind to p, replacing any previous binding.
func (r *Registry) Register(kind string, p Pipeline) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipelines[kind] = p
}

// Lookup returns the pipeline bound to kind.
func (r *Registry) Lookup(kind string) (Pipeline, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pipelines[kind]
	return p, ok
}

// Kinds lists registered kinds in lexical order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.pipelines))
	for k := range r.pipelines {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Execute runs p and converts a panic into a 500 outcome. A returned error
// is passed through untouched.
func Execute(ctx context.Context, p Pipeline, logger pslog.Logger) (out Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			if logger != nil {
				logger.Error("pipeline.panic", "panic", fmt.Sprint(rec), "stack", string(debug.Stack()))
			}
			out = Outcome{
				HTTPStatus: http.StatusInternalServerError,
				Status:     "ERROR",
				Message:    "pipeline panicked",
			}
			err = nil
		}
	}()
	out, err = p.Run(ctx)
	if err == nil && out.HTTPStatus == 0 {
		out.HTTPStatus = http.StatusOK
	}
	return out, err
}
