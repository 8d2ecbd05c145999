// Package models maps model identifiers to context-window limits. Limits
// load from a JSON manifest at startup and reload atomically.
package models

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/renyus/prisma"
)

// DefaultMaxOutput is assumed when a model's output limit is unknown.
const DefaultMaxOutput = 4096

// defaultLimits cover well-known models when no manifest is supplied.
var defaultLimits = map[string]prisma.ModelLimits{
	"deepseek-ai/DeepSeek-V3":       {ContextWindow: 64000, MaxOutput: 8192, SafetyBuffer: 1000},
	"deepseek-ai/DeepSeek-R1":       {ContextWindow: 32000, MaxOutput: 4096, SafetyBuffer: 500},
	"Pro/Qwen/Qwen2-7B-Instruct":    {ContextWindow: 32000, MaxOutput: 4096, SafetyBuffer: 500},
	"Qwen/Qwen2.5-72B-Instruct":     {ContextWindow: 32768, MaxOutput: 8192, SafetyBuffer: 800},
	"gpt-4o":                        {ContextWindow: 128000, MaxOutput: 4096, SafetyBuffer: 1000},
	"gpt-3.5-turbo":                 {ContextWindow: 16385, MaxOutput: 4096, SafetyBuffer: 300},
	"claude-3-5-sonnet-20240620":    {ContextWindow: 200000, MaxOutput: 8192, SafetyBuffer: 1000},
}

var windowRe = regexp.MustCompile(`(\d+)[kK]`)

// namedWindows are recognized window hints in model names, checked from
// largest to smallest so "128k" wins over "8k".
var namedWindows = []struct {
	token  string
	window int
}{
	{"128k", 128000},
	{"100k", 100000},
	{"64k", 64000},
	{"32k", 32000},
	{"16k", 16000},
	{"8k", 8000},
	{"4k", 4000},
	{"2k", 2000},
	{"1k", 1000},
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithDefaultWindow sets the fallback context window used when nothing
// matches (MAX_MODEL_CONTEXT_LENGTH).
func WithDefaultWindow(window int) RegistryOption {
	return func(r *Registry) { r.defaultWindow = window }
}

// Registry resolves per-model limits. Reads are lock-free; Reload swaps
// the whole map atomically.
type Registry struct {
	limits        atomic.Pointer[map[string]prisma.ModelLimits]
	path          string
	defaultWindow int
	logger        *slog.Logger
}

// New creates a Registry seeded with the built-in defaults. manifestPath
// may be empty; when set, Reload reads it immediately.
func New(manifestPath string, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		path:          manifestPath,
		defaultWindow: 16384,
		logger:        slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(r)
	}
	seed := make(map[string]prisma.ModelLimits, len(defaultLimits))
	for k, v := range defaultLimits {
		seed[k] = v
	}
	r.limits.Store(&seed)
	if manifestPath != "" {
		if err := r.Reload(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Reload re-reads the manifest and replaces the limit map. Manifest
// entries are merged over the built-in defaults so a partial file still
// resolves well-known models.
func (r *Registry) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read model manifest: %w", err)
	}
	var manifest map[string]prisma.ModelLimits
	if err := json.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("parse model manifest %s: %w", r.path, err)
	}
	next := make(map[string]prisma.ModelLimits, len(defaultLimits)+len(manifest))
	for k, v := range defaultLimits {
		next[k] = v
	}
	for k, v := range manifest {
		next[k] = v
	}
	r.limits.Store(&next)
	r.logger.Info("model limits loaded", "path", r.path, "models", len(manifest))
	return nil
}

// Lookup resolves limits for a model identifier: exact match, then
// substring match against registered ids, then a window hint inferred from
// the name, then the environment-derived default.
func (r *Registry) Lookup(model string) prisma.ModelLimits {
	limits := *r.limits.Load()
	if l, ok := limits[model]; ok {
		return l
	}
	// Sorted scan keeps substring resolution deterministic when several
	// registered ids occur in the model name.
	ids := make([]string, 0, len(limits))
	for id := range limits {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if strings.Contains(model, id) {
			return limits[id]
		}
	}
	if window, ok := inferWindow(model); ok {
		buffer := window / 10
		if buffer < 500 {
			buffer = 500
		}
		return prisma.ModelLimits{ContextWindow: window, MaxOutput: DefaultMaxOutput, SafetyBuffer: buffer}
	}
	return prisma.ModelLimits{ContextWindow: r.defaultWindow, MaxOutput: DefaultMaxOutput, SafetyBuffer: 500}
}

// inferWindow extracts a context-window hint from the model name.
func inferWindow(model string) (int, bool) {
	lower := strings.ToLower(model)
	for _, nw := range namedWindows {
		if strings.Contains(lower, nw.token) {
			return nw.window, true
		}
	}
	if m := windowRe.FindStringSubmatch(model); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return n * 1000, true
		}
	}
	return 0, false
}
