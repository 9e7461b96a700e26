package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/dyluth/warren/pkg/blackboard"
)

// Memory is a process-local store. Snapshots are kept encoded so callers
// never share mutable state with the store.
type Memory struct {
	mu           sync.RWMutex
	checkpoints  map[string][]byte
	deliverables map[string]map[string]json.RawMessage
	closed       bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		checkpoints:  make(map[string][]byte),
		deliverables: make(map[string]map[string]json.RawMessage),
	}
}

func (m *Memory) GetState(ctx context.Context, threadID string) (*blackboard.Blackboard, error) {
	m.mu.RLock()
	data, ok := m.checkpoints[threadID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return blackboard.Decode(data)
}

func (m *Memory) PutState(ctx context.Context, threadID string, bb *blackboard.Blackboard) error {
	data, err := blackboard.Encode(bb)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.checkpoints[threadID] = data
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteState(ctx context.Context, threadID string) error {
	m.mu.Lock()
	delete(m.checkpoints, threadID)
	m.mu.Unlock()
	return nil
}

func (m *Memory) PutDeliverable(ctx context.Context, sessionID, name string, data json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byName := m.deliverables[sessionID]
	if byName == nil {
		byName = make(map[string]json.RawMessage)
		m.deliverables[sessionID] = byName
	}
	byName[name] = append(json.RawMessage(nil), data...)
	return nil
}

func (m *Memory) GetDeliverable(ctx context.Context, sessionID, name string) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.deliverables[sessionID][name]
	if !ok {
		return nil, ErrNotFound
	}
	return append(json.RawMessage(nil), data...), nil
}

func (m *Memory) DeleteDeliverables(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.deliverables, sessionID)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errors.New("memory store closed")
	}
	return ctx.Err()
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
