// Package registry maps call paths to the handlers that serve them.
//
// Paths are opaque strings compared after Unicode NFC normalisation, so a path typed
// on one platform matches the same path registered on another. Registering a path twice
// replaces the earlier handler and logs a warning; this supports reconfiguring a live
// connection without tearing it down.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sahilm/fuzzy"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"duplex-rpc/logging"
	"duplex-rpc/message"
)

// Handler serves one call path. The returned value becomes the call's result after JSON
// encoding; a non-nil error is sent back to the caller as a failure.
// Handlers may block; each inbound call runs on its own goroutine.
type Handler func(ctx context.Context, arg json.RawMessage) (any, error)

var (
	ErrEmptyPath  = errors.New("registry: empty path")
	ErrNilHandler = errors.New("registry: nil handler")
)

// Registry is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *zap.Logger
}

func New(logger *zap.Logger) *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		logger:   logging.OrNop(logger),
	}
}

// Register stores h under path. A later registration for the same path wins.
func (r *Registry) Register(path string, h Handler) error {
	if path == "" {
		return ErrEmptyPath
	}
	if h == nil {
		return ErrNilHandler
	}
	key := norm.NFC.String(path)

	r.mu.Lock()
	_, replaced := r.handlers[key]
	r.handlers[key] = h
	r.mu.Unlock()

	if replaced {
		r.logger.Warn("replacing registered handler", zap.String("path", key))
	}
	return nil
}

// Resolve returns the handler for path, or a not-found *message.Error naming the path.
func (r *Registry) Resolve(path string) (Handler, error) {
	key := norm.NFC.String(path)

	r.mu.RLock()
	h, ok := r.handlers[key]
	r.mu.RUnlock()
	if ok {
		return h, nil
	}

	msg := fmt.Sprintf("function not found: no such function registered for path %q", path)
	if hint := r.Suggest(key); hint != "" {
		msg += fmt.Sprintf("; did you mean %q?", hint)
	}
	return nil, &message.Error{Kind: message.ErrorKindNotFound, Path: path, Message: msg}
}

// Paths returns the registered paths in sorted order.
func (r *Registry) Paths() []string {
	r.mu.RLock()
	paths := make([]string, 0, len(r.handlers))
	for p := range r.handlers {
		paths = append(paths, p)
	}
	r.mu.RUnlock()

	sort.Strings(paths)
	return paths
}

// Len returns the number of registered paths.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Suggest returns the registered path closest to path, or "" when nothing is close.
// A registered path that contains the characters of path in order wins first
// ("/ech" -> "/echo"); otherwise a registered path contained in path ("/echo/v2" -> "/echo").
func (r *Registry) Suggest(path string) string {
	paths := r.Paths()
	if path == "" || len(paths) == 0 {
		return ""
	}

	if matches := fuzzy.Find(path, paths); len(matches) > 0 {
		return matches[0].Str
	}

	best, bestScore := "", 0
	for _, p := range paths {
		m := fuzzy.Find(p, []string{path})
		if len(m) == 0 {
			continue
		}
		// Prefer the longest contained path, then the better score.
		if score := len(p)*1000 + m[0].Score; best == "" || score > bestScore {
			best, bestScore = p, score
		}
	}
	return best
}
