package state

import (
	"context"
	"sync"
)

// Memory is the in-process Adapter used for tests and single-server
// deployments.
type Memory struct {
	mu    sync.RWMutex
	rooms map[string]map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{rooms: make(map[string]map[string]struct{})}
}

func memberKey(namespace, room string) string {
	return namespace + ":" + room
}

func (m *Memory) AddMember(ctx context.Context, namespace, room, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := memberKey(namespace, room)
	if m.rooms[key] == nil {
		m.rooms[key] = make(map[string]struct{})
	}
	m.rooms[key][connID] = struct{}{}
	return nil
}

func (m *Memory) RemoveMember(ctx context.Context, namespace, room, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := memberKey(namespace, room)
	if members, ok := m.rooms[key]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(m.rooms, key)
		}
	}
	return nil
}

func (m *Memory) ListMembers(ctx context.Context, namespace, room string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	members := m.rooms[memberKey(namespace, room)]
	result := make([]string, 0, len(members))
	for id := range members {
		result = append(result, id)
	}
	return result, nil
}

func (m *Memory) CountMembers(ctx context.Context, namespace, room string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return int64(len(m.rooms[memberKey(namespace, room)])), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rooms = make(map[string]map[string]struct{})
	return nil
}
