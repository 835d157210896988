package store

import (
	"context"
	"errors"
	"time"

	"awg-keeper/pkg/model"
)

var (
	// ErrConflict is returned when a create would break a uniqueness rule:
	// one owner per external id, one peer per (owner, device), one peer per
	// public key.
	ErrConflict = errors.New("record already exists")
	// ErrNotFound is returned by operations that need an existing record.
	ErrNotFound = errors.New("record not found")
)

// RecordStore is the durable record of owners and the peers issued to them.
// Lookups return (value, found, error). Deletes of missing records succeed.
type RecordStore interface {
	CreateOwner(ctx context.Context, o *model.Owner) error
	FindOwner(ctx context.Context, externalID string) (model.Owner, bool, error)
	FindOwnerByUsername(ctx context.Context, username string) (model.Owner, bool, error)
	GetOwner(ctx context.Context, id uint) (model.Owner, bool, error)
	ListOwners(ctx context.Context) ([]model.Owner, error)
	// DeleteOwner removes the owner row only; callers remove peers first.
	DeleteOwner(ctx context.Context, id uint) error

	CreatePeer(ctx context.Context, p *model.ProvisionedPeer) error
	FindPeer(ctx context.Context, ownerID uint, device model.DeviceClass) (model.ProvisionedPeer, bool, error)
	FindPeerByKey(ctx context.Context, publicKey string) (model.ProvisionedPeer, bool, error)
	GetPeer(ctx context.Context, id uint) (model.ProvisionedPeer, bool, error)
	ListPeers(ctx context.Context) ([]model.ProvisionedPeer, error)
	ListOwnerPeers(ctx context.Context, ownerID uint) ([]model.ProvisionedPeer, error)
	DeletePeer(ctx context.Context, id uint) error

	LogRequest(ctx context.Context, r model.RequestLog) error
	Stats(ctx context.Context) (model.Stats, error)
	AppendAudit(ctx context.Context, e model.AuditEntry) error
	ListAudit(ctx context.Context, limit int) ([]model.AuditEntry, error)

	Close() error
}

// UserStore holds admin API accounts. Backends that support it are
// detected with a type assertion.
type UserStore interface {
	CountUsers(ctx context.Context) (int64, error)
	CreateUser(ctx context.Context, u *model.User) error
	FindUser(ctx context.Context, username string) (model.User, bool, error)
}

// Locker provides leadership so that only one process reconciles at a time.
// fn runs with a context that is cancelled when leadership is lost.
type Locker interface {
	LeaderGuard(ctx context.Context, key string, ttl time.Duration, fn func(context.Context))
}

func newStats() model.Stats {
	return model.Stats{ByDevice: map[model.DeviceClass]int64{}}
}

func trimAudit(entries []model.AuditEntry, limit int) []model.AuditEntry {
	if limit > 0 && len(entries) > limit {
		return entries[len(entries)-limit:]
	}
	return entries
}
