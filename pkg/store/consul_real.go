//go:build consul

package store

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"awg-keeper/pkg/consul"
	"awg-keeper/pkg/model"
)

// consulStore adapts consul.Store conflict errors to ErrConflict.
type consulStore struct {
	*consul.Store
}

func mapConsulErr(err error) error {
	if errors.Is(err, consul.ErrConflict) {
		return ErrConflict
	}
	return err
}

func (s consulStore) CreateOwner(ctx context.Context, o *model.Owner) error {
	return mapConsulErr(s.Store.CreateOwner(ctx, o))
}

func (s consulStore) CreatePeer(ctx context.Context, p *model.ProvisionedPeer) error {
	return mapConsulErr(s.Store.CreatePeer(ctx, p))
}

func (s consulStore) CreateUser(ctx context.Context, u *model.User) error {
	return mapConsulErr(s.Store.CreateUser(ctx, u))
}

// NewConsulStore creates a Consul-backed store (requires build tag consul).
func NewConsulStore(addr string, log zerolog.Logger) (RecordStore, error) {
	s, err := consul.NewStore(addr, log)
	if err != nil {
		return nil, err
	}
	return consulStore{s}, nil
}
