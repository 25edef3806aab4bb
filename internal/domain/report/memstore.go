package report

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for development and tests. A single
// mutex serializes all mutations, which trivially gives per-report
// linearizability.
type MemoryStore struct {
	mu        sync.Mutex
	patients  map[string]*Patient
	reports   map[string]*Report
	tokens    map[Token]string
	byPatient map[string][]string
	events    []*Event
	now       func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		patients:  make(map[string]*Patient),
		reports:   make(map[string]*Report),
		tokens:    make(map[Token]string),
		byPatient: make(map[string][]string),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateReport implements Store.
func (m *MemoryStore) CreateReport(_ context.Context, p *Patient, r *Report, actor string) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.tokens[r.PatientToken]; taken {
		return nil, ErrTokenConflict
	}
	if _, exists := m.reports[r.ID]; exists {
		return nil, fmt.Errorf("report %s already exists", r.ID)
	}

	now := m.now()
	stored := r.Clone()
	stored.ImageData = nil
	stored.CreatedAt = now
	stored.UpdatedAt = now

	event, err := LifecycleEvent(EventReportCreated, stored, actor)
	if err != nil {
		return nil, err
	}

	patient, ok := m.patients[p.PatientID]
	if !ok {
		cp := *p
		cp.CreatedAt = now
		patient = &cp
		m.patients[p.PatientID] = patient
	}

	m.reports[stored.ID] = stored
	m.tokens[stored.PatientToken] = stored.ID
	m.byPatient[stored.PatientID] = append(m.byPatient[stored.PatientID], stored.ID)
	m.events = append(m.events, event)

	r.CreatedAt = stored.CreatedAt
	r.UpdatedAt = stored.UpdatedAt
	out := *patient
	return &out, nil
}

// UpdateNarrative implements Store.
func (m *MemoryStore) UpdateNarrative(_ context.Context, params UpdateParams) (*Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reports[params.ReportID]
	if !ok {
		return nil, ErrNotFound
	}
	if params.RequireDraft && r.Status == StatusFinalized {
		return nil, ErrFinalized
	}

	r.FinalReport = params.Narrative
	if params.Finalize {
		r.Status = StatusFinalized
	}
	next := m.now()
	if !next.After(r.UpdatedAt) {
		next = r.UpdatedAt.Add(time.Microsecond)
	}
	r.UpdatedAt = next

	event, err := LifecycleEvent(MutationEvent(params.Finalize), r, params.Actor)
	if err != nil {
		return nil, err
	}
	m.events = append(m.events, event)
	return r.Clone(), nil
}

// GetReport implements Store.
func (m *MemoryStore) GetReport(_ context.Context, id string) (*Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

// ReportIDByToken implements TokenLookup.
func (m *MemoryStore) ReportIDByToken(_ context.Context, token Token) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.tokens[token]
	if !ok {
		return "", ErrNotFound
	}
	return id, nil
}

// ListReportsByPatient implements Store.
func (m *MemoryStore) ListReportsByPatient(_ context.Context, patientID string, limit int) ([]*Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.byPatient[patientID]
	out := make([]*Report, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		out = append(out, m.reports[ids[i]].Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpsertPatient implements Store.
func (m *MemoryStore) UpsertPatient(_ context.Context, p *Patient) (*Patient, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.patients[p.PatientID]; ok {
		out := *existing
		return &out, false, nil
	}
	cp := *p
	cp.CreatedAt = m.now()
	m.patients[p.PatientID] = &cp
	out := cp
	return &out, true, nil
}

// GetPatient implements Store.
func (m *MemoryStore) GetPatient(_ context.Context, patientID string) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[patientID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *p
	return &out, nil
}

// Append implements ChatLog.
func (m *MemoryStore) Append(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Events returns every recorded event in order.
func (m *MemoryStore) Events() []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Event(nil), m.events...)
}

// PatientCount returns the number of stored patients.
func (m *MemoryStore) PatientCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.patients)
}

// MemoryImageStore keeps images in a map.
type MemoryImageStore struct {
	mu     sync.RWMutex
	images map[string][]byte
}

// NewMemoryImageStore creates an empty image store.
func NewMemoryImageStore() *MemoryImageStore {
	return &MemoryImageStore{images: make(map[string][]byte)}
}

// PutImage implements ImageStore. Keys are content addressed, so a second
// put of the same key is a no-op.
func (s *MemoryImageStore) PutImage(_ context.Context, key, _ string, data []byte) error {
	if key == "" {
		return errors.New("image key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.images[key]; !ok {
		s.images[key] = append([]byte(nil), data...)
	}
	return nil
}

// GetImage implements ImageStore.
func (s *MemoryImageStore) GetImage(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.images[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}
