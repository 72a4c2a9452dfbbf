// Package story holds the live state of a story session: its cast, world
// clock, plot premise, and the busy flag that serialises turn processing.
package story

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fableloom/fableloom/pkg/memory"
)

// ErrSessionBusy is returned when a turn is requested while another turn is
// still being processed for the same session. The request is rejected, not
// queued.
var ErrSessionBusy = errors.New("story: a turn is already in progress")

// Session is the in-memory representation of one running story. Mutable
// state is guarded by an internal mutex; the busy flag is separate so that
// state reads never block on turn processing.
type Session struct {
	// ID identifies the session in the persistent store.
	ID string

	store memory.Store
	index *memory.VectorIndex

	busy atomic.Bool

	mu       sync.RWMutex
	title    string
	plot     string
	world    memory.WorldState
	personas []memory.Persona
}

// NewSession creates a Session with a fresh world clock. The index is
// expected to belong to the same session ID.
func NewSession(id string, store memory.Store, index *memory.VectorIndex, plot string, personas []memory.Persona) *Session {
	return &Session{
		ID:       id,
		store:    store,
		index:    index,
		plot:     plot,
		world:    memory.NewWorldState(),
		personas: append([]memory.Persona(nil), personas...),
	}
}

// TryBegin attempts to claim the session for turn processing. It reports
// false when a turn is already in flight.
func (s *Session) TryBegin() bool {
	return s.busy.CompareAndSwap(false, true)
}

// End releases the session after turn processing.
func (s *Session) End() {
	s.busy.Store(false)
}

// Busy reports whether a turn is currently being processed.
func (s *Session) Busy() bool {
	return s.busy.Load()
}

// Store returns the persistent store backing this session.
func (s *Session) Store() memory.Store {
	return s.store
}

// Index returns the session's vector index.
func (s *Session) Index() *memory.VectorIndex {
	return s.index
}

// Title returns the story title, empty until one is set or generated.
func (s *Session) Title() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.title
}

// SetTitle updates the story title in memory and persists it.
func (s *Session) SetTitle(ctx context.Context, title string) error {
	s.mu.Lock()
	s.title = title
	s.mu.Unlock()
	if err := s.store.SaveTitle(ctx, s.ID, title); err != nil {
		return fmt.Errorf("story: save title: %w", err)
	}
	return nil
}

// Plot returns the story premise.
func (s *Session) Plot() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.plot
}

// World returns a copy of the current world state.
func (s *Session) World() memory.WorldState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.world
}

// SetWorld replaces the world state.
func (s *Session) SetWorld(w memory.WorldState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.world = w
}

// Personas returns a copy of the cast.
func (s *Session) Personas() []memory.Persona {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]memory.Persona(nil), s.personas...)
}

// Player returns the player persona, or false when the cast has none.
func (s *Session) Player() (memory.Persona, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.personas {
		if p.Player {
			return p, true
		}
	}
	return memory.Persona{}, false
}

// NPCs returns the non-player personas in cast order.
func (s *Session) NPCs() []memory.Persona {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]memory.Persona, 0, len(s.personas))
	for _, p := range s.personas {
		if !p.Player {
			out = append(out, p)
		}
	}
	return out
}

// UpdatePersona replaces the persona with the same name. Unknown names are
// ignored so a stale concurrent refresh cannot corrupt the cast.
func (s *Session) UpdatePersona(p memory.Persona) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.personas {
		if s.personas[i].Name == p.Name {
			s.personas[i] = p
			return
		}
	}
}

// Snapshot captures the current world, cast, and plot as a checkpoint.
func (s *Session) Snapshot() memory.Checkpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memory.Checkpoint{
		World:    s.world,
		Personas: append([]memory.Persona(nil), s.personas...),
		Plot:     s.plot,
	}
}

// SaveCheckpoint persists a snapshot of the session state.
func (s *Session) SaveCheckpoint(ctx context.Context) error {
	if err := s.store.SaveCheckpoint(ctx, s.ID, s.Snapshot()); err != nil {
		return fmt.Errorf("story: save checkpoint: %w", err)
	}
	return nil
}

// Restore rehydrates the session from the store: the latest checkpoint (when
// one exists) and the full vector index. A session without a checkpoint keeps
// its constructor-provided state.
func (s *Session) Restore(ctx context.Context) error {
	cp, err := s.store.LoadCheckpoint(ctx, s.ID)
	if err != nil {
		return fmt.Errorf("story: load checkpoint: %w", err)
	}
	if cp != nil {
		s.mu.Lock()
		s.world = cp.World
		s.personas = append([]memory.Persona(nil), cp.Personas...)
		if cp.Plot != "" {
			s.plot = cp.Plot
		}
		s.mu.Unlock()
	}
	title, err := s.store.LoadTitle(ctx, s.ID)
	if err != nil {
		return fmt.Errorf("story: load title: %w", err)
	}
	if title != "" {
		s.mu.Lock()
		s.title = title
		s.mu.Unlock()
	}
	if err := s.index.Load(ctx); err != nil {
		return fmt.Errorf("story: load index: %w", err)
	}
	return nil
}
