// Package budget resolves the usable context-window budget for a
// provider/model pair, preferring limits learned from provider errors
// over advertised capabilities.
package budget

import (
	"log/slog"
	"strings"
	"sync"
)

// Resolver caches context-window limits per provider/model key.
//
// Precedence, highest first: limits learned from provider rejections,
// operator-configured overrides, then the client's advertised window.
type Resolver struct {
	mu        sync.RWMutex
	learned   map[string]int
	overrides map[string]int
	logger    *slog.Logger
}

func NewResolver(overrides map[string]int, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	norm := make(map[string]int, len(overrides))
	for k, v := range overrides {
		if v > 0 {
			norm[strings.ToLower(k)] = v
		}
	}
	return &Resolver{
		learned:   make(map[string]int),
		overrides: norm,
		logger:    logger,
	}
}

func key(provider, model string) string {
	return strings.ToLower(provider) + "/" + strings.ToLower(model)
}

// Resolve returns the token budget for the given pair, or 0 when no
// bound is known from any source. An unknown budget disables proactive
// compaction; the caller then relies on error-driven compaction alone.
// advertised is the client's self-reported context window, zero when
// the client does not state one.
func (r *Resolver) Resolve(provider, model string, advertised int) int {
	k := key(provider, model)

	r.mu.RLock()
	learned, haveLearned := r.learned[k]
	r.mu.RUnlock()
	if haveLearned {
		return learned
	}

	// Overrides match the full key first, then the bare model name.
	if v, ok := r.overrides[k]; ok {
		return v
	}
	if v, ok := r.overrides[strings.ToLower(model)]; ok {
		return v
	}

	if advertised > 0 {
		return advertised
	}
	return 0
}

// Learn records a limit extracted from a provider context-limit
// rejection. Evidence from the provider always wins over advertised
// capability; raising a previously learned limit is suspicious and is
// logged before being accepted.
func (r *Resolver) Learn(provider, model string, maxTokens int) {
	if maxTokens <= 0 {
		return
	}
	k := key(provider, model)

	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.learned[k]
	if ok && maxTokens > prev {
		r.logger.Warn("context limit loosened by provider evidence",
			"key", k, "previous", prev, "new", maxTokens)
	}
	r.learned[k] = maxTokens
}

// Learned reports the cached error-derived limit, if any.
func (r *Resolver) Learned(provider, model string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.learned[key(provider, model)]
	return v, ok
}
