package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"awg-keeper/pkg/model"
)

// MemoryStore is an in-memory implementation, intended for dev and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	owners   map[uint]model.Owner
	peers    map[uint]model.ProvisionedPeer
	users    map[string]model.User
	requests []model.RequestLog
	audit    []model.AuditEntry
	nextID   uint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		owners: make(map[uint]model.Owner),
		peers:  make(map[uint]model.ProvisionedPeer),
		users:  make(map[string]model.User),
	}
}

func (m *MemoryStore) id() uint {
	m.nextID++
	return m.nextID
}

func (m *MemoryStore) CreateOwner(_ context.Context, o *model.Owner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.owners {
		if existing.ExternalID == o.ExternalID {
			return ErrConflict
		}
	}
	o.ID = m.id()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	m.owners[o.ID] = *o
	return nil
}

func (m *MemoryStore) FindOwner(_ context.Context, externalID string) (model.Owner, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.owners {
		if o.ExternalID == externalID {
			return o, true, nil
		}
	}
	return model.Owner{}, false, nil
}

func (m *MemoryStore) FindOwnerByUsername(_ context.Context, username string) (model.Owner, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range sortedOwners(m.owners) {
		if o.Username == username {
			return o, true, nil
		}
	}
	return model.Owner{}, false, nil
}

func (m *MemoryStore) GetOwner(_ context.Context, id uint) (model.Owner, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.owners[id]
	return o, ok, nil
}

func (m *MemoryStore) ListOwners(_ context.Context) ([]model.Owner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedOwners(m.owners), nil
}

func (m *MemoryStore) DeleteOwner(_ context.Context, id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.owners, id)
	return nil
}

func (m *MemoryStore) CreatePeer(_ context.Context, p *model.ProvisionedPeer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.peers {
		if existing.PublicKey == p.PublicKey || (existing.OwnerID == p.OwnerID && existing.Device == p.Device) {
			return ErrConflict
		}
	}
	p.ID = m.id()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	m.peers[p.ID] = *p
	return nil
}

func (m *MemoryStore) FindPeer(_ context.Context, ownerID uint, device model.DeviceClass) (model.ProvisionedPeer, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.peers {
		if p.OwnerID == ownerID && p.Device == device {
			return p, true, nil
		}
	}
	return model.ProvisionedPeer{}, false, nil
}

func (m *MemoryStore) FindPeerByKey(_ context.Context, publicKey string) (model.ProvisionedPeer, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.peers {
		if p.PublicKey == publicKey {
			return p, true, nil
		}
	}
	return model.ProvisionedPeer{}, false, nil
}

func (m *MemoryStore) GetPeer(_ context.Context, id uint) (model.ProvisionedPeer, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[id]
	return p, ok, nil
}

func (m *MemoryStore) ListPeers(_ context.Context) ([]model.ProvisionedPeer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedPeers(m.peers, func(model.ProvisionedPeer) bool { return true }), nil
}

func (m *MemoryStore) ListOwnerPeers(_ context.Context, ownerID uint) ([]model.ProvisionedPeer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedPeers(m.peers, func(p model.ProvisionedPeer) bool { return p.OwnerID == ownerID }), nil
}

func (m *MemoryStore) DeletePeer(_ context.Context, id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, id)
	return nil
}

func (m *MemoryStore) LogRequest(_ context.Context, r model.RequestLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = m.id()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	m.requests = append(m.requests, r)
	return nil
}

func (m *MemoryStore) Stats(_ context.Context) (model.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := newStats()
	st.Owners = int64(len(m.owners))
	st.Peers = int64(len(m.peers))
	st.Requests = int64(len(m.requests))
	for _, p := range m.peers {
		st.ByDevice[p.Device]++
	}
	return st, nil
}

func (m *MemoryStore) AppendAudit(_ context.Context, e model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = m.id()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	m.audit = append(m.audit, e)
	if len(m.audit) > 1000 {
		m.audit = m.audit[len(m.audit)-1000:]
	}
	return nil
}

func (m *MemoryStore) ListAudit(_ context.Context, limit int) ([]model.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]model.AuditEntry(nil), m.audit...)
	return trimAudit(out, limit), nil
}

func (m *MemoryStore) CountUsers(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.users)), nil
}

func (m *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.Username]; ok {
		return ErrConflict
	}
	u.ID = m.id()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	m.users[u.Username] = *u
	return nil
}

func (m *MemoryStore) FindUser(_ context.Context, username string) (model.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[username]
	return u, ok, nil
}

// LeaderGuard is a no-op leader hook for the memory store; it simply runs fn once.
func (m *MemoryStore) LeaderGuard(ctx context.Context, _ string, _ time.Duration, fn func(context.Context)) {
	if fn != nil {
		fn(ctx)
	}
}

func (m *MemoryStore) Close() error { return nil }

func sortedOwners(in map[uint]model.Owner) []model.Owner {
	out := make([]model.Owner, 0, len(in))
	for _, o := range in {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortedPeers(in map[uint]model.ProvisionedPeer, keep func(model.ProvisionedPeer) bool) []model.ProvisionedPeer {
	out := make([]model.ProvisionedPeer, 0, len(in))
	for _, p := range in {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
