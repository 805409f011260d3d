package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/taulink/internal/link"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrClientNotFound  = errors.New("client: not found")
	ErrDuplicateClient = errors.New("client: id already connected")
)

// Manager holds the sessions started for one host, keyed by client id.
type Manager struct {
	opts Options

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
}

func NewManager(opts Options) *Manager {
	return &Manager{opts: opts.withDefaults(), sessions: make(map[uuid.UUID]*Session)}
}

func (m *Manager) Connect(ctx context.Context, id uuid.UUID, l link.Link) (*Session, error) {
	m.mu.RLock()
	_, exists := m.sessions[id]
	m.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateClient, id)
	}
	s, err := Connect(ctx, id, l, m.opts)
	if err != nil {
		return nil, err
	}
	if err := m.Add(s); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Add tracks a session started elsewhere.
func (m *Manager) Add(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateClient, s.ID())
	}
	m.sessions[s.ID()] = s
	return nil
}

func (m *Manager) Get(id uuid.UUID) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok || s.Closed() {
		return nil, fmt.Errorf("%w: %s", ErrClientNotFound, id)
	}
	return s, nil
}

// Disconnect closes and forgets the session.
func (m *Manager) Disconnect(id uuid.UUID) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrClientNotFound, id)
	}
	return s.Close()
}

// Prune forgets sessions whose connection already ended.
func (m *Manager) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.Closed() {
			delete(m.sessions, id)
			n++
			log.Debug().Str("client", id.String()).Msg("client.Manager.Prune removed")
		}
	}
	return n
}

// List returns live sessions ordered by id.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if !s.Closed() {
			out = append(out, s)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID().String() < out[j].ID().String() })
	return out
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[uuid.UUID]*Session)
	m.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}
