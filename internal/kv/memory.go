package kv

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store for tests and single-node development.
// TTLs are honored lazily on read.
type Memory struct {
	mu        sync.Mutex
	sessions  map[int64]map[string]string
	locations map[int64]map[string]string
	seqs      map[int64]int64
	services  map[string]memRecord // full key -> record
	expiry    map[string]time.Time // session/location key -> deadline
	subs      []chan Kick
}

type memRecord struct {
	name     string
	addr     string
	deadline time.Time
}

func NewMemory() *Memory {
	return &Memory{
		sessions:  make(map[int64]map[string]string),
		locations: make(map[int64]map[string]string),
		seqs:      make(map[int64]int64),
		services:  make(map[string]memRecord),
		expiry:    make(map[string]time.Time),
	}
}

func (m *Memory) expired(key string) bool {
	dl, ok := m.expiry[key]
	return ok && time.Now().After(dl)
}

func (m *Memory) SessionToken(_ context.Context, userID int64, device string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(sessionKey(userID)) {
		delete(m.sessions, userID)
		return "", nil
	}
	return m.sessions[userID][device], nil
}

func (m *Memory) PutSessionToken(_ context.Context, userID int64, device, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[userID] == nil {
		m.sessions[userID] = make(map[string]string)
	}
	m.sessions[userID][device] = token
	m.expiry[sessionKey(userID)] = time.Now().Add(ttl)
	return nil
}

func (m *Memory) DeleteSessionToken(_ context.Context, userID int64, device string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions[userID], device)
	return nil
}

func (m *Memory) DeleteSession(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, userID)
	return nil
}

func (m *Memory) SessionExists(_ context.Context, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(sessionKey(userID)) {
		delete(m.sessions, userID)
		return false, nil
	}
	return len(m.sessions[userID]) > 0, nil
}

func (m *Memory) PutLocation(_ context.Context, userID int64, device, addr string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locations[userID] == nil {
		m.locations[userID] = make(map[string]string)
	}
	m.locations[userID][device] = addr
	m.expiry[locationKey(userID)] = time.Now().Add(ttl)
	return nil
}

func (m *Memory) DeleteLocation(_ context.Context, userID int64, device string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locations[userID], device)
	if len(m.locations[userID]) == 0 {
		delete(m.locations, userID)
	}
	return nil
}

func (m *Memory) Locations(_ context.Context, userID int64) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(locationKey(userID)) {
		delete(m.locations, userID)
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(m.locations[userID]))
	for dev, addr := range m.locations[userID] {
		out[dev] = addr
	}
	return out, nil
}

func (m *Memory) NextSeq(_ context.Context, ownerID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seqs[ownerID]++
	return m.seqs[ownerID], nil
}

func (m *Memory) PutServiceRecord(_ context.Context, name, instance, addr string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[serviceKey(name, instance)] = memRecord{
		name:     name,
		addr:     addr,
		deadline: time.Now().Add(ttl),
	}
	return nil
}

func (m *Memory) ServiceAddrs(_ context.Context, name string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var addrs []string
	for key, rec := range m.services {
		if rec.name != name {
			continue
		}
		if time.Now().After(rec.deadline) {
			delete(m.services, key)
			continue
		}
		addrs = append(addrs, rec.addr)
	}
	return addrs, nil
}

func (m *Memory) PublishKick(_ context.Context, k Kick) error {
	m.mu.Lock()
	subs := append([]chan Kick(nil), m.subs...)
	m.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- k:
		default: // slow subscriber, drop
		}
	}
	return nil
}

func (m *Memory) SubscribeKick(ctx context.Context) (<-chan Kick, error) {
	ch := make(chan Kick, 16)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()

	out := make(chan Kick, 16)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				m.mu.Lock()
				for i, sub := range m.subs {
					if sub == ch {
						m.subs = append(m.subs[:i], m.subs[i+1:]...)
						break
					}
				}
				m.mu.Unlock()
				return
			case k := <-ch:
				out <- k
			}
		}
	}()
	return out, nil
}

func (m *Memory) Close() error { return nil }
