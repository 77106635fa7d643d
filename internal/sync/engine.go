package sync

import (
	"time"

	"github.com/syncular/syncd/internal/syncdb"
)

// Options bound the engine's paging and chunking behavior. Zero values
// take the defaults below.
type Options struct {
	// DefaultLimitCommits / MaxLimitCommits bound incremental pulls.
	DefaultLimitCommits int
	MaxLimitCommits     int

	// SnapshotPageSize is the per-page row count requested from handler
	// snapshots. MaxSnapshotRows / MaxSnapshotPages cap one bootstrap.
	SnapshotPageSize int
	MaxSnapshotRows  int
	MaxSnapshotPages int

	// InlineSnapshotBytes is the encoded-page size at or under which rows
	// are returned inline instead of as a chunk reference.
	InlineSnapshotBytes int

	// ChunkTTL bounds persisted chunk lifetime. ChunkCompression is
	// "gzip" or "none".
	ChunkTTL         time.Duration
	ChunkCompression string

	// PullBatchSize is the commit-window size for incremental reads.
	PullBatchSize int
}

func (o Options) withDefaults() Options {
	if o.DefaultLimitCommits <= 0 {
		o.DefaultLimitCommits = 200
	}
	if o.MaxLimitCommits <= 0 {
		o.MaxLimitCommits = 1000
	}
	if o.SnapshotPageSize <= 0 {
		o.SnapshotPageSize = 500
	}
	if o.MaxSnapshotRows <= 0 {
		o.MaxSnapshotRows = 10000
	}
	if o.MaxSnapshotPages <= 0 {
		o.MaxSnapshotPages = 20
	}
	if o.InlineSnapshotBytes <= 0 {
		o.InlineSnapshotBytes = 64 << 10
	}
	if o.ChunkTTL <= 0 {
		o.ChunkTTL = 6 * time.Hour
	}
	if o.ChunkCompression == "" {
		o.ChunkCompression = CompressionGzip
	}
	if o.PullBatchSize <= 0 {
		o.PullBatchSize = 100
	}
	return o
}

// Engine ties the store, handler registry, scope resolver, and plugin
// chain into the push and pull pipelines.
type Engine struct {
	store    *syncdb.Store
	handlers *Registry
	resolver *ScopeResolver
	plugins  []Plugin
	chunker  *Chunker
	opts     Options
}

// NewEngine builds an engine. resolver may be nil (no caching); plugins
// may be empty.
func NewEngine(store *syncdb.Store, handlers *Registry, resolver *ScopeResolver, plugins []Plugin, opts Options) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		store:    store,
		handlers: handlers,
		resolver: resolver,
		plugins:  sortPlugins(plugins),
		chunker:  NewChunker(store, opts.ChunkTTL, opts.ChunkCompression),
		opts:     opts,
	}
}

// Store exposes the underlying store for maintenance and admin callers.
func (e *Engine) Store() *syncdb.Store { return e.store }

// Handlers exposes the registry.
func (e *Engine) Handlers() *Registry { return e.handlers }

// Chunker exposes the snapshot chunker.
func (e *Engine) Chunker() *Chunker { return e.chunker }
