package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/scrivia/agentcore/internal/contentapply"
	"github.com/scrivia/agentcore/pkg/models"
)

// MemoryStore implements Store using in-memory maps.
// When a data directory is given, documents are persisted to a JSON
// snapshot in that directory and reloaded on startup.
type MemoryStore struct {
	mu        sync.RWMutex
	documents map[string]*models.Document

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
	wg           sync.WaitGroup
}

type snapshot struct {
	Documents map[string]*models.Document `json:"documents"`
}

// NewMemoryStore creates a new in-memory store. An empty dataDir disables
// persistence.
func NewMemoryStore(dataDir string) *MemoryStore {
	m := &MemoryStore{
		documents: make(map[string]*models.Document),
		saveCh:    make(chan struct{}, 1),
		doneCh:    make(chan struct{}),
	}

	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "documents.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		m.wg.Add(1)
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop debounces save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			select {
			case <-time.After(500 * time.Millisecond):
			case <-m.doneCh:
				return
			}
			m.saveSnapshot()
		}
	}
}

// saveSnapshot persists all documents to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	data, err := json.MarshalIndent(snapshot{Documents: m.documents}, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}
	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

// loadSnapshot reads documents from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Documents != nil {
		m.documents = snap.Documents
	}
	log.Info().Int("documents", len(m.documents)).Str("path", m.snapshotPath).Msg("Snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// Close stops background goroutines and forces a final snapshot write.
// Safe to call multiple times (second call is a no-op).
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		return nil
	default:
		close(m.doneCh)
	}
	m.wg.Wait()

	if m.snapshotPath != "" {
		log.Info().Msg("Flushing final snapshot before shutdown...")
		m.saveSnapshot()
	}
	log.Info().Msg("Memory store closed")
	return nil
}

// ── Documents ───────────────────────────────────────────────

func (m *MemoryStore) GetDocument(_ context.Context, ref string) (*models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.documents[ref]
	if !ok {
		return nil, &ErrNotFound{Entity: "document", Key: ref}
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) ListDocuments(_ context.Context, ownerID string) ([]models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Document, 0, len(m.documents))
	for _, d := range m.documents {
		if ownerID == "" || d.OwnerID == ownerID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// CreateDocument stores doc, assigning a ref, etag and timestamps.
func (m *MemoryStore) CreateDocument(_ context.Context, doc *models.Document) error {
	if doc.Ref == "" {
		doc.Ref = uuid.NewString()
	}
	now := time.Now().UTC()
	doc.Etag = contentapply.Etag(doc.Content)
	doc.CreatedAt, doc.UpdatedAt = now, now

	m.mu.Lock()
	if _, exists := m.documents[doc.Ref]; exists {
		m.mu.Unlock()
		return fmt.Errorf("document %s: %w", doc.Ref, ErrAlreadyExists)
	}
	cp := *doc
	m.documents[doc.Ref] = &cp
	m.mu.Unlock()

	m.requestSave()
	return nil
}

func (m *MemoryStore) WriteContent(_ context.Context, ref, content, expectedEtag string) (*models.Document, error) {
	m.mu.Lock()
	d, ok := m.documents[ref]
	if !ok {
		m.mu.Unlock()
		return nil, &ErrNotFound{Entity: "document", Key: ref}
	}
	if expectedEtag != "" && d.Etag != expectedEtag {
		current := d.Etag
		m.mu.Unlock()
		return nil, fmt.Errorf("document %s is at etag %s: %w", ref, current, ErrConflict)
	}
	d.Content = content
	d.Etag = contentapply.Etag(content)
	d.UpdatedAt = time.Now().UTC()
	cp := *d
	m.mu.Unlock()

	m.requestSave()
	return &cp, nil
}

func (m *MemoryStore) DeleteDocument(_ context.Context, ref string) error {
	m.mu.Lock()
	if _, ok := m.documents[ref]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "document", Key: ref}
	}
	delete(m.documents, ref)
	m.mu.Unlock()

	m.requestSave()
	return nil
}
