package periodic

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"tenantflow/internal/domain"
	"tenantflow/internal/schema"
)

// MemoryStore keeps definitions per schema and serves the schema that conn
// has active, like SQLStore does through search_path.
type MemoryStore struct {
	mu      sync.Mutex
	conn    schema.Conn
	clock   clock.Clock
	tasks   map[string]map[string]domain.PeriodicTask
	changed map[string]time.Time
}

func NewMemoryStore(conn schema.Conn, clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryStore{
		conn:    conn,
		clock:   clk,
		tasks:   make(map[string]map[string]domain.PeriodicTask),
		changed: make(map[string]time.Time),
	}
}

func (s *MemoryStore) ListEnabled(context.Context) ([]domain.PeriodicTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PeriodicTask
	for _, t := range s.tasks[s.conn.ActiveSchema()] {
		if t.Enabled {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) LastChange(context.Context) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.changed[s.conn.ActiveSchema()]
	if !ok {
		return nil, nil
	}
	return &ts, nil
}

func (s *MemoryStore) SaveRunState(_ context.Context, name string, lastRunAt time.Time, totalRunCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := s.tasks[s.conn.ActiveSchema()]
	t, ok := tasks[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	t.LastRunAt = &lastRunAt
	t.TotalRunCount = totalRunCount
	tasks[name] = t
	return nil
}

func (s *MemoryStore) Put(_ context.Context, t domain.PeriodicTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := s.conn.ActiveSchema()
	if s.tasks[name] == nil {
		s.tasks[name] = make(map[string]domain.PeriodicTask)
	}
	if t.Headers == "" {
		t.Headers = "{}"
	}
	now := s.clock.Now()
	t.DateChanged = now
	s.tasks[name][t.Name] = t
	s.changed[name] = now
	return nil
}

// Get returns the stored definition from schema name, ignoring the active one.
func (s *MemoryStore) Get(schemaName, task string) (domain.PeriodicTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[schemaName][task]
	return t, ok
}
