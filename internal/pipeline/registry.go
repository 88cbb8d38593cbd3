package pipeline

import (
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bilimux/bilimux/internal/bilierrors"
	"github.com/bilimux/bilimux/internal/pipeline/core"
)

// DefaultExportTimeout is how long a registered virtual download waits to
// be consumed before it is evicted and the owning pipeline fails with
// ExportTimeout.
const DefaultExportTimeout = 60 * time.Second

// Entry is one registered virtual download.
type Entry struct {
	ID           uuid.UUID
	Pipeline     *Pipeline
	Filename     string
	Mode         core.Mode
	Kind         StreamKind
	RegisteredAt time.Time
}

// URLPath returns the interceptor path the host fetches to consume this entry.
func (e *Entry) URLPath() string {
	return "/streams/" + e.ID.String() + "/" + url.PathEscape(e.Filename)
}

type registryEntry struct {
	entry Entry
	timer *time.Timer
}

// Registry is the process-local virtual-download registry: pipelines
// register an output under a fresh uuid, the HTTP interceptor consumes it
// at most once (get-then-delete), and unconsumed entries are evicted after
// the export timeout.
type Registry struct {
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	entries map[uuid.UUID]*registryEntry
}

// NewRegistry creates an empty registry with the default export timeout.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger,
		timeout: DefaultExportTimeout,
		entries: make(map[uuid.UUID]*registryEntry),
	}
}

// WithTimeout overrides the eviction timeout (tests).
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a pipeline output under a fresh uuid and arms its eviction
// timer. The returned entry's URLPath is what the caller hands to the host.
func (r *Registry) Register(p *Pipeline, filename string, mode core.Mode, kind StreamKind) Entry {
	id := uuid.New()
	entry := Entry{
		ID:           id,
		Pipeline:     p,
		Filename:     filename,
		Mode:         mode,
		Kind:         kind,
		RegisteredAt: time.Now(),
	}

	re := &registryEntry{entry: entry}
	re.timer = time.AfterFunc(r.timeout, func() { r.evict(id) })

	r.mu.Lock()
	r.entries[id] = re
	r.mu.Unlock()

	r.logger.Debug("virtual download registered",
		slog.String("uuid", id.String()),
		slog.String("filename", filename),
		slog.String("mode", string(mode)),
	)
	return entry
}

// Take consumes an entry. Entries are handed out at most once; the second
// Take of the same uuid misses.
func (r *Registry) Take(id uuid.UUID) (Entry, bool) {
	r.mu.Lock()
	re, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if !ok {
		return Entry{}, false
	}
	re.timer.Stop()
	return re.entry, true
}

// evict drops an unconsumed entry and fails its pipeline's export.
func (r *Registry) evict(id uuid.UUID) {
	r.mu.Lock()
	re, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	r.logger.Warn("virtual download never consumed, evicting",
		slog.String("uuid", id.String()),
		slog.String("filename", re.entry.Filename),
	)
	re.entry.Pipeline.finishExport(
		bilierrors.New(bilierrors.KindExportTimeout, "virtual download not consumed within timeout"))
}

// Len returns the number of live entries (tests, status API).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
