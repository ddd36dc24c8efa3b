package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/StampPipe/internal/models"
	"github.com/BTreeMap/StampPipe/internal/store"
)

// DefaultBatchSize caps how many letters one ReplayAll pass reads.
const DefaultBatchSize = 100

// ReplayFunc re-attempts the write a dead letter stands for.
type ReplayFunc func(ctx context.Context, letter models.DeadLetter) error

// Manager replays dead letters through the functions registered for their kinds.
type Manager struct {
	store     store.RecordStore
	batchSize int

	mu      sync.RWMutex
	replays map[string]ReplayFunc
}

// NewManager creates a replay manager over rs.
func NewManager(rs store.RecordStore) *Manager {
	return &Manager{store: rs, batchSize: DefaultBatchSize, replays: make(map[string]ReplayFunc)}
}

// Register sets the replay function for a dead-letter kind.
func (m *Manager) Register(kind string, fn ReplayFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replays[kind] = fn
}

// Kinds returns how many kinds have a replay function.
func (m *Manager) Kinds() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.replays)
}

func (m *Manager) replayFor(kind string) ReplayFunc {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.replays[kind]
}

// ReplayAll re-attempts the oldest stored letters. Letters of unregistered kinds are
// left for manual handling. A replayed letter is deleted; a failing one stays for the
// next pass. It returns how many letters were replayed.
func (m *Manager) ReplayAll(ctx context.Context) (int, error) {
	rows, err := m.store.Select(ctx, store.CollectionDeadLetters, store.Query{
		Order: []store.OrderBy{{Column: "created_at"}},
		Limit: m.batchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("load dead letters: %w", err)
	}
	letters, err := store.DecodeAll[models.DeadLetter](rows)
	if err != nil {
		return 0, err
	}
	slog.Info("Manager.ReplayAll: starting", "letters", len(letters))

	replayed, failed, skipped := 0, 0, 0
	for _, letter := range letters {
		fn := m.replayFor(letter.Kind)
		if fn == nil {
			skipped++
			continue
		}
		if err := fn(ctx, letter); err != nil {
			slog.Error("Manager.ReplayAll: replay failed", "error", err, "id", letter.ID, "kind", letter.Kind, "user", letter.UserID)
			failed++
			continue
		}
		if _, err := m.store.Delete(ctx, store.CollectionDeadLetters, store.Filter{store.Eq("id", letter.ID)}); err != nil {
			slog.Error("Manager.ReplayAll: replayed letter not removed", "error", err, "id", letter.ID)
			failed++
			continue
		}
		replayed++
	}

	slog.Info("Manager.ReplayAll: completed", "replayed", replayed, "failed", failed, "skipped", skipped)
	if failed > 0 {
		return replayed, fmt.Errorf("replay completed with %d errors out of %d letters", failed, len(letters))
	}
	return replayed, nil
}
