package saga

import (
	"context"
	"sync"
)

// Step is one audit entry kept by MemoryStore.
type Step struct {
	CorrelationID int
	Step          string
	Status        string
	Detail        string
}

type memoryEntry[T Entity] struct {
	mu    sync.Mutex
	state T
}

// MemoryStore keeps sagas in process. Each saga has its own lock so updates
// to different orders never contend.
type MemoryStore[T Entity] struct {
	mu      sync.Mutex
	entries map[int]*memoryEntry[T]
	steps   []Step
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore[T Entity]() *MemoryStore[T] {
	return &MemoryStore[T]{entries: make(map[int]*memoryEntry[T])}
}

func (s *MemoryStore[T]) Create(ctx context.Context, state T) (T, bool, error) {
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, false, err
	}

	id := state.SagaCorrelationID()
	s.mu.Lock()
	existing, ok := s.entries[id]
	if !ok {
		s.entries[id] = &memoryEntry[T]{state: state}
		s.mu.Unlock()
		return state, true, nil
	}
	s.mu.Unlock()

	existing.mu.Lock()
	defer existing.mu.Unlock()
	return existing.state, false, nil
}

func (s *MemoryStore[T]) Find(ctx context.Context, correlationID int) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	entry, ok := s.entry(correlationID)
	if !ok {
		return zero, ErrUnknownSaga
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.state, nil
}

func (s *MemoryStore[T]) Update(ctx context.Context, correlationID int, mutate MutateFunc[T]) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	entry, ok := s.entry(correlationID)
	if !ok {
		return zero, ErrUnknownSaga
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	working := entry.state
	changed, err := mutate(&working)
	if err != nil {
		return zero, err
	}
	if changed {
		entry.state = working
	}
	return entry.state, nil
}

// AddStep appends an audit entry.
func (s *MemoryStore[T]) AddStep(ctx context.Context, correlationID int, step, status, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, Step{CorrelationID: correlationID, Step: step, Status: status, Detail: detail})
	return nil
}

// Steps returns the audit entries recorded for a correlation id.
func (s *MemoryStore[T]) Steps(correlationID int) []Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Step
	for _, step := range s.steps {
		if step.CorrelationID == correlationID {
			out = append(out, step)
		}
	}
	return out
}

// Len returns the number of stored sagas.
func (s *MemoryStore[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore[T]) entry(id int) (*memoryEntry[T], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	return entry, ok
}
