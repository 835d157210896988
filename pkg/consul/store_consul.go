//go:build consul

package consul

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/rs/zerolog"

	"awg-keeper/pkg/model"
)

var (
	// ErrConflict mirrors store.ErrConflict; the store package maps it.
	ErrConflict = errors.New("record already exists")
	errNoClient = errors.New("consul client not configured")
)

// Store keeps records as JSON values in Consul KV. Uniqueness checks are
// best effort: they scan then write, so two writers racing on the same key
// can both succeed. Run a single writer (the leader) for strict guarantees.
type Store struct {
	cli *consulapi.Client
	log zerolog.Logger
}

const (
	ownerPrefix   = "awg-keeper/owners/"
	peerPrefix    = "awg-keeper/peers/"
	requestPrefix = "awg-keeper/requests/"
	auditPrefix   = "awg-keeper/audit/"
	userPrefix    = "awg-keeper/users/"
	seqPrefix     = "awg-keeper/seq/"
)

func NewStore(addr string, log zerolog.Logger) (*Store, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &Store{cli: cli, log: log}, nil
}

func key(prefix string, id uint) string {
	return fmt.Sprintf("%s%020d", prefix, id)
}

// nextID increments a per-kind counter with check-and-set.
func (s *Store) nextID(ctx context.Context, kind string) (uint, error) {
	kv := s.cli.KV()
	q := (&consulapi.QueryOptions{}).WithContext(ctx)
	w := (&consulapi.WriteOptions{}).WithContext(ctx)
	for i := 0; i < 20; i++ {
		pair, _, err := kv.Get(seqPrefix+kind, q)
		if err != nil {
			return 0, err
		}
		var cur uint64
		var index uint64
		if pair != nil {
			cur, _ = strconv.ParseUint(string(pair.Value), 10, 64)
			index = pair.ModifyIndex
		}
		next := cur + 1
		ok, _, err := kv.CAS(&consulapi.KVPair{
			Key:         seqPrefix + kind,
			Value:       []byte(strconv.FormatUint(next, 10)),
			ModifyIndex: index,
		}, w)
		if err != nil {
			return 0, err
		}
		if ok {
			return uint(next), nil
		}
	}
	return 0, fmt.Errorf("consul sequence %s: too much contention", kind)
}

func (s *Store) putJSON(ctx context.Context, k string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.cli.KV().Put(&consulapi.KVPair{Key: k, Value: b}, (&consulapi.WriteOptions{}).WithContext(ctx))
	return err
}

func list[T any](ctx context.Context, s *Store, prefix string) ([]T, error) {
	if s.cli == nil {
		return nil, errNoClient
	}
	pairs, _, err := s.cli.KV().List(prefix, (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, err
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key < pairs[j].Key })
	out := make([]T, 0, len(pairs))
	for _, p := range pairs {
		var item T
		if err := json.Unmarshal(p.Value, &item); err != nil {
			s.log.Warn().Err(err).Str("key", p.Key).Msg("skipping undecodable consul value")
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

func get[T any](ctx context.Context, s *Store, k string) (T, bool, error) {
	var out T
	if s.cli == nil {
		return out, false, errNoClient
	}
	pair, _, err := s.cli.KV().Get(k, (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil || pair == nil {
		return out, false, err
	}
	if err := json.Unmarshal(pair.Value, &out); err != nil {
		return out, false, err
	}
	return out, true, nil
}

func (s *Store) del(ctx context.Context, k string) error {
	if s.cli == nil {
		return errNoClient
	}
	_, err := s.cli.KV().Delete(k, (&consulapi.WriteOptions{}).WithContext(ctx))
	return err
}

func (s *Store) CreateOwner(ctx context.Context, o *model.Owner) error {
	if _, found, err := s.FindOwner(ctx, o.ExternalID); err != nil {
		return err
	} else if found {
		return ErrConflict
	}
	id, err := s.nextID(ctx, "owners")
	if err != nil {
		return err
	}
	o.ID = id
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	return s.putJSON(ctx, key(ownerPrefix, id), o)
}

func (s *Store) findOwner(ctx context.Context, match func(model.Owner) bool) (model.Owner, bool, error) {
	owners, err := list[model.Owner](ctx, s, ownerPrefix)
	if err != nil {
		return model.Owner{}, false, err
	}
	for _, o := range owners {
		if match(o) {
			return o, true, nil
		}
	}
	return model.Owner{}, false, nil
}

func (s *Store) FindOwner(ctx context.Context, externalID string) (model.Owner, bool, error) {
	return s.findOwner(ctx, func(o model.Owner) bool { return o.ExternalID == externalID })
}

func (s *Store) FindOwnerByUsername(ctx context.Context, username string) (model.Owner, bool, error) {
	return s.findOwner(ctx, func(o model.Owner) bool { return o.Username == username })
}

func (s *Store) GetOwner(ctx context.Context, id uint) (model.Owner, bool, error) {
	return get[model.Owner](ctx, s, key(ownerPrefix, id))
}

func (s *Store) ListOwners(ctx context.Context) ([]model.Owner, error) {
	return list[model.Owner](ctx, s, ownerPrefix)
}

func (s *Store) DeleteOwner(ctx context.Context, id uint) error {
	return s.del(ctx, key(ownerPrefix, id))
}

func (s *Store) CreatePeer(ctx context.Context, p *model.ProvisionedPeer) error {
	peers, err := list[model.ProvisionedPeer](ctx, s, peerPrefix)
	if err != nil {
		return err
	}
	for _, existing := range peers {
		if existing.PublicKey == p.PublicKey || (existing.OwnerID == p.OwnerID && existing.Device == p.Device) {
			return ErrConflict
		}
	}
	id, err := s.nextID(ctx, "peers")
	if err != nil {
		return err
	}
	p.ID = id
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	return s.putJSON(ctx, key(peerPrefix, id), p)
}

func (s *Store) findPeer(ctx context.Context, match func(model.ProvisionedPeer) bool) (model.ProvisionedPeer, bool, error) {
	peers, err := list[model.ProvisionedPeer](ctx, s, peerPrefix)
	if err != nil {
		return model.ProvisionedPeer{}, false, err
	}
	for _, p := range peers {
		if match(p) {
			return p, true, nil
		}
	}
	return model.ProvisionedPeer{}, false, nil
}

func (s *Store) FindPeer(ctx context.Context, ownerID uint, device model.DeviceClass) (model.ProvisionedPeer, bool, error) {
	return s.findPeer(ctx, func(p model.ProvisionedPeer) bool { return p.OwnerID == ownerID && p.Device == device })
}

func (s *Store) FindPeerByKey(ctx context.Context, publicKey string) (model.ProvisionedPeer, bool, error) {
	return s.findPeer(ctx, func(p model.ProvisionedPeer) bool { return p.PublicKey == publicKey })
}

func (s *Store) GetPeer(ctx context.Context, id uint) (model.ProvisionedPeer, bool, error) {
	return get[model.ProvisionedPeer](ctx, s, key(peerPrefix, id))
}

func (s *Store) ListPeers(ctx context.Context) ([]model.ProvisionedPeer, error) {
	return list[model.ProvisionedPeer](ctx, s, peerPrefix)
}

func (s *Store) ListOwnerPeers(ctx context.Context, ownerID uint) ([]model.ProvisionedPeer, error) {
	peers, err := s.ListPeers(ctx)
	if err != nil {
		return nil, err
	}
	out := peers[:0]
	for _, p := range peers {
		if p.OwnerID == ownerID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) DeletePeer(ctx context.Context, id uint) error {
	return s.del(ctx, key(peerPrefix, id))
}

func (s *Store) LogRequest(ctx context.Context, r model.RequestLog) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	id, err := s.nextID(ctx, "requests")
	if err != nil {
		return err
	}
	r.ID = id
	return s.putJSON(ctx, key(requestPrefix, id), r)
}

func (s *Store) Stats(ctx context.Context) (model.Stats, error) {
	st := model.Stats{ByDevice: map[model.DeviceClass]int64{}}
	owners, err := s.ListOwners(ctx)
	if err != nil {
		return st, err
	}
	peers, err := s.ListPeers(ctx)
	if err != nil {
		return st, err
	}
	keys, _, err := s.cli.KV().Keys(requestPrefix, "", (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return st, err
	}
	st.Owners = int64(len(owners))
	st.Peers = int64(len(peers))
	st.Requests = int64(len(keys))
	for _, p := range peers {
		st.ByDevice[p.Device]++
	}
	return st, nil
}

func (s *Store) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	k := fmt.Sprintf("%s%d-%s", auditPrefix, e.Timestamp.UnixNano(), e.Target)
	return s.putJSON(ctx, k, e)
}

func (s *Store) ListAudit(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	out, err := list[model.AuditEntry](ctx, s, auditPrefix)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Store) CountUsers(ctx context.Context) (int64, error) {
	users, err := list[model.User](ctx, s, userPrefix)
	return int64(len(users)), err
}

func (s *Store) CreateUser(ctx context.Context, u *model.User) error {
	if _, found, err := s.FindUser(ctx, u.Username); err != nil {
		return err
	} else if found {
		return ErrConflict
	}
	id, err := s.nextID(ctx, "users")
	if err != nil {
		return err
	}
	u.ID = id
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	return s.putJSON(ctx, userPrefix+u.Username, u)
}

func (s *Store) FindUser(ctx context.Context, username string) (model.User, bool, error) {
	return get[model.User](ctx, s, userPrefix+username)
}

// LeaderGuard blocks until ctx ends. Whenever this process holds the Consul
// lock at key it runs fn with a context that is cancelled on lock loss, then
// tries to reacquire.
func (s *Store) LeaderGuard(ctx context.Context, lockKey string, ttl time.Duration, fn func(context.Context)) {
	for ctx.Err() == nil {
		lock, err := s.cli.LockOpts(&consulapi.LockOptions{
			Key:        lockKey,
			SessionTTL: ttl.String(),
		})
		if err != nil {
			s.log.Error().Err(err).Str("key", lockKey).Msg("consul lock setup failed")
			sleepCtx(ctx, ttl)
			continue
		}
		lost, err := lock.Lock(ctx.Done())
		if err != nil || lost == nil {
			if err != nil {
				s.log.Warn().Err(err).Str("key", lockKey).Msg("consul lock acquire failed")
			}
			sleepCtx(ctx, ttl)
			continue
		}
		s.log.Info().Str("key", lockKey).Msg("leadership acquired")
		lctx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-lost:
				cancel()
			case <-lctx.Done():
			}
		}()
		fn(lctx)
		cancel()
		_ = lock.Unlock()
		s.log.Info().Str("key", lockKey).Msg("leadership released")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (s *Store) Close() error { return nil }
