package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stagewhisper/stagewhisper/pkg/core/types"
)

// Memory is an in-memory SessionStore used by tests and as a fallback when
// no database path is configured. FailWrites, when set, makes AppendInteraction
// return that error without recording anything, which is how the degraded
// recording path is exercised.
type Memory struct {
	mu           sync.Mutex
	sessions     map[string]*types.Session
	interactions map[string][]types.Interaction
	failWrites   error
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions:     make(map[string]*types.Session),
		interactions: make(map[string][]types.Interaction),
	}
}

// SetFailWrites toggles write failure injection. A nil error restores normal
// operation.
func (m *Memory) SetFailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = err
}

// CreateSession implements SessionStore.
func (m *Memory) CreateSession(ctx context.Context, session *types.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[session.ID]; ok {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	copied := *session
	m.sessions[session.ID] = &copied
	return nil
}

// AppendInteraction implements SessionStore. Idempotent on interaction ID.
func (m *Memory) AppendInteraction(ctx context.Context, interaction *types.Interaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites != nil {
		return m.failWrites
	}
	for _, existing := range m.interactions[interaction.SessionID] {
		if existing.ID == interaction.ID {
			return nil
		}
	}
	m.interactions[interaction.SessionID] = append(m.interactions[interaction.SessionID], *interaction)
	return nil
}

// FinalizeSession implements SessionStore.
func (m *Memory) FinalizeSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	if sess.EndedAt != nil {
		return fmt.Errorf("session %s already finalized", sessionID)
	}
	sess.EndedAt = &endedAt
	return nil
}

// GetSession implements SessionStore.
func (m *Memory) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	copied := *sess
	return &copied, nil
}

// ListInteractions implements SessionStore.
func (m *Memory) ListInteractions(ctx context.Context, sessionID string) ([]types.Interaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]types.Interaction(nil), m.interactions[sessionID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// SearchInteractions implements SessionStore.
func (m *Memory) SearchInteractions(ctx context.Context, sessionID, query string) ([]types.Interaction, error) {
	all, _ := m.ListInteractions(ctx, sessionID)
	var out []types.Interaction
	for _, ia := range all {
		if strings.Contains(ia.Content, query) || strings.Contains(ia.Reply, query) {
			out = append(out, ia)
		}
	}
	return out, nil
}

// Close implements SessionStore.
func (m *Memory) Close() error { return nil }
