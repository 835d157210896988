package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"awg-keeper/pkg/model"
)

var (
	bucketOwners   = []byte("owners")
	bucketPeers    = []byte("peers")
	bucketRequests = []byte("requests")
	bucketAudit    = []byte("audit")
)

// BoltStore implements RecordStore on a single bbolt file.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates the database file at path.
func NewBoltStore(path string) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketOwners, bucketPeers, bucketRequests, bucketAudit} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func put(b *bolt.Bucket, id uint, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(itob(uint64(id)), data)
}

func each[T any](b *bolt.Bucket, fn func(T) bool) error {
	return b.ForEach(func(_, v []byte) error {
		var item T
		if err := json.Unmarshal(v, &item); err != nil {
			return err
		}
		if !fn(item) {
			return errStop
		}
		return nil
	})
}

var errStop = fmt.Errorf("stop iteration")

func stopped(err error) error {
	if err == errStop {
		return nil
	}
	return err
}

func (s *BoltStore) CreateOwner(_ context.Context, o *model.Owner) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOwners)
		conflict := false
		if err := stopped(each(b, func(existing model.Owner) bool {
			conflict = existing.ExternalID == o.ExternalID
			return !conflict
		})); err != nil {
			return err
		}
		if conflict {
			return ErrConflict
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		o.ID = uint(seq)
		if o.CreatedAt.IsZero() {
			o.CreatedAt = time.Now()
		}
		return put(b, o.ID, o)
	})
}

func (s *BoltStore) findOwner(match func(model.Owner) bool) (model.Owner, bool, error) {
	var out model.Owner
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		return stopped(each(tx.Bucket(bucketOwners), func(o model.Owner) bool {
			if match(o) {
				out, found = o, true
			}
			return !found
		}))
	})
	return out, found, err
}

func (s *BoltStore) FindOwner(_ context.Context, externalID string) (model.Owner, bool, error) {
	return s.findOwner(func(o model.Owner) bool { return o.ExternalID == externalID })
}

func (s *BoltStore) FindOwnerByUsername(_ context.Context, username string) (model.Owner, bool, error) {
	return s.findOwner(func(o model.Owner) bool { return o.Username == username })
}

func (s *BoltStore) GetOwner(_ context.Context, id uint) (model.Owner, bool, error) {
	var out model.Owner
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketOwners).Get(itob(uint64(id)))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &out)
	})
	return out, found, err
}

func (s *BoltStore) ListOwners(_ context.Context) ([]model.Owner, error) {
	var out []model.Owner
	err := s.db.View(func(tx *bolt.Tx) error {
		return each(tx.Bucket(bucketOwners), func(o model.Owner) bool {
			out = append(out, o)
			return true
		})
	})
	return out, err
}

func (s *BoltStore) DeleteOwner(_ context.Context, id uint) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOwners).Delete(itob(uint64(id)))
	})
}

func (s *BoltStore) CreatePeer(_ context.Context, p *model.ProvisionedPeer) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPeers)
		conflict := false
		if err := stopped(each(b, func(existing model.ProvisionedPeer) bool {
			conflict = existing.PublicKey == p.PublicKey || (existing.OwnerID == p.OwnerID && existing.Device == p.Device)
			return !conflict
		})); err != nil {
			return err
		}
		if conflict {
			return ErrConflict
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		p.ID = uint(seq)
		if p.CreatedAt.IsZero() {
			p.CreatedAt = time.Now()
		}
		return put(b, p.ID, p)
	})
}

func (s *BoltStore) findPeer(match func(model.ProvisionedPeer) bool) (model.ProvisionedPeer, bool, error) {
	var out model.ProvisionedPeer
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		return stopped(each(tx.Bucket(bucketPeers), func(p model.ProvisionedPeer) bool {
			if match(p) {
				out, found = p, true
			}
			return !found
		}))
	})
	return out, found, err
}

func (s *BoltStore) FindPeer(_ context.Context, ownerID uint, device model.DeviceClass) (model.ProvisionedPeer, bool, error) {
	return s.findPeer(func(p model.ProvisionedPeer) bool { return p.OwnerID == ownerID && p.Device == device })
}

func (s *BoltStore) FindPeerByKey(_ context.Context, publicKey string) (model.ProvisionedPeer, bool, error) {
	return s.findPeer(func(p model.ProvisionedPeer) bool { return p.PublicKey == publicKey })
}

func (s *BoltStore) GetPeer(_ context.Context, id uint) (model.ProvisionedPeer, bool, error) {
	var out model.ProvisionedPeer
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPeers).Get(itob(uint64(id)))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &out)
	})
	return out, found, err
}

func (s *BoltStore) listPeers(keep func(model.ProvisionedPeer) bool) ([]model.ProvisionedPeer, error) {
	var out []model.ProvisionedPeer
	err := s.db.View(func(tx *bolt.Tx) error {
		return each(tx.Bucket(bucketPeers), func(p model.ProvisionedPeer) bool {
			if keep(p) {
				out = append(out, p)
			}
			return true
		})
	})
	return out, err
}

func (s *BoltStore) ListPeers(_ context.Context) ([]model.ProvisionedPeer, error) {
	return s.listPeers(func(model.ProvisionedPeer) bool { return true })
}

func (s *BoltStore) ListOwnerPeers(_ context.Context, ownerID uint) ([]model.ProvisionedPeer, error) {
	return s.listPeers(func(p model.ProvisionedPeer) bool { return p.OwnerID == ownerID })
}

func (s *BoltStore) DeletePeer(_ context.Context, id uint) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).Delete(itob(uint64(id)))
	})
}

func (s *BoltStore) appendSeq(bucket []byte, assign func(uint) any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return put(b, uint(seq), assign(uint(seq)))
	})
}

func (s *BoltStore) LogRequest(_ context.Context, r model.RequestLog) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	return s.appendSeq(bucketRequests, func(id uint) any {
		r.ID = id
		return r
	})
}

func (s *BoltStore) Stats(_ context.Context) (model.Stats, error) {
	st := newStats()
	err := s.db.View(func(tx *bolt.Tx) error {
		st.Owners = int64(tx.Bucket(bucketOwners).Stats().KeyN)
		st.Requests = int64(tx.Bucket(bucketRequests).Stats().KeyN)
		return each(tx.Bucket(bucketPeers), func(p model.ProvisionedPeer) bool {
			st.Peers++
			st.ByDevice[p.Device]++
			return true
		})
	})
	return st, err
}

func (s *BoltStore) AppendAudit(_ context.Context, e model.AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	return s.appendSeq(bucketAudit, func(id uint) any {
		e.ID = id
		return e
	})
}

func (s *BoltStore) ListAudit(_ context.Context, limit int) ([]model.AuditEntry, error) {
	var out []model.AuditEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return each(tx.Bucket(bucketAudit), func(e model.AuditEntry) bool {
			out = append(out, e)
			return true
		})
	})
	return trimAudit(out, limit), err
}
