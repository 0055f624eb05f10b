// Package session tracks client websocket connections for both gateways.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("connection not found")
	ErrInvalidTransition = errors.New("invalid state transition")
)

var transitions = map[State][]State{
	StateConnecting: {StateOpen, StateClosing, StateClosed},
	StateOpen:       {StateClosing, StateClosed},
	StateClosing:    {StateClosed},
}

type Manager struct {
	mu        sync.RWMutex
	conns     map[string]*Conn
	retention time.Duration
	onClose   func(*Conn)
}

// NewManager returns a registry that keeps closed connections around for
// retention before forgetting them.
func NewManager(retention time.Duration) *Manager {
	if retention <= 0 {
		retention = 2 * time.Minute
	}
	return &Manager{
		conns:     make(map[string]*Conn),
		retention: retention,
	}
}

// SetCloseHook registers a function called after a connection reaches
// StateClosed.
func (m *Manager) SetCloseHook(hook func(*Conn)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onClose = hook
}

func (m *Manager) Register(service, remoteAddr string) *Conn {
	now := time.Now().UTC()
	c := &Conn{
		ID:             uuid.NewString(),
		Service:        service,
		RemoteAddr:     remoteAddr,
		State:          StateConnecting,
		ConnectedAt:    now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[c.ID] = c
	return clone(c)
}

func (m *Manager) Get(id string) (*Conn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(c), nil
}

// SetProvider records the adapter serving the connection.
func (m *Manager) SetProvider(id, provider string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return ErrNotFound
	}
	c.Provider = provider
	return nil
}

// Transition moves a connection to next. Moving to the current state is a
// no-op.
func (m *Manager) Transition(id string, next State) error {
	m.mu.Lock()
	c, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if c.State == next {
		m.mu.Unlock()
		return nil
	}
	if !allowed(c.State, next) {
		from := c.State
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, next)
	}
	now := time.Now().UTC()
	c.State = next
	c.LastActivityAt = now
	var closed *Conn
	if next == StateClosed {
		c.ClosedAt = now
		closed = clone(c)
	}
	hook := m.onClose
	m.mu.Unlock()

	if closed != nil && hook != nil {
		hook(closed)
	}
	return nil
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (m *Manager) Touch(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return ErrNotFound
	}
	c.LastActivityAt = time.Now().UTC()
	return nil
}

// ActiveCount returns the number of connections of service that are not
// closed. An empty service counts every service.
func (m *Manager) ActiveCount(service string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, c := range m.conns {
		if c.State == StateClosed {
			continue
		}
		if service == "" || c.Service == service {
			count++
		}
	}
	return count
}

// List returns snapshots of every known connection, oldest first.
func (m *Manager) List() []*Conn {
	m.mu.RLock()
	out := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, clone(c))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.purgeClosed()
			}
		}
	}()
}

func (m *Manager) purgeClosed() {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.conns {
		if c.State == StateClosed && now.Sub(c.ClosedAt) >= m.retention {
			delete(m.conns, id)
		}
	}
}

func clone(c *Conn) *Conn {
	cp := *c
	return &cp
}
