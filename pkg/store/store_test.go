package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"awg-keeper/pkg/db"
	"awg-keeper/pkg/model"
)

type backend struct {
	name string
	open func(t *testing.T) RecordStore
}

func backends() []backend {
	return []backend{
		{"memory", func(*testing.T) RecordStore { return NewMemoryStore() }},
		{"sqlite", func(t *testing.T) RecordStore {
			g, err := db.OpenSQLite(filepath.Join(t.TempDir(), "records.db"))
			require.NoError(t, err)
			return NewGormStore(g)
		}},
		{"bolt", func(t *testing.T) RecordStore {
			s, err := NewBoltStore(filepath.Join(t.TempDir(), "records.bolt"))
			require.NoError(t, err)
			return s
		}},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s RecordStore)) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			t.Cleanup(func() { _ = s.Close() })
			fn(t, s)
		})
	}
}

func TestOwners(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s RecordStore) {
		ctx := context.Background()
		alice := model.Owner{ExternalID: "1001", Username: "alice"}
		require.NoError(t, s.CreateOwner(ctx, &alice))
		assert.NotZero(t, alice.ID)
		assert.False(t, alice.CreatedAt.IsZero())

		dup := model.Owner{ExternalID: "1001"}
		assert.True(t, errors.Is(s.CreateOwner(ctx, &dup), ErrConflict))

		got, ok, err := s.FindOwner(ctx, "1001")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "alice", got.Username)

		got, ok, err = s.FindOwnerByUsername(ctx, "alice")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, alice.ID, got.ID)

		_, ok, err = s.FindOwner(ctx, "9999")
		require.NoError(t, err)
		assert.False(t, ok)

		bob := model.Owner{ExternalID: "1002"}
		require.NoError(t, s.CreateOwner(ctx, &bob))
		owners, err := s.ListOwners(ctx)
		require.NoError(t, err)
		require.Len(t, owners, 2)
		assert.Equal(t, alice.ID, owners[0].ID)

		require.NoError(t, s.DeleteOwner(ctx, alice.ID))
		require.NoError(t, s.DeleteOwner(ctx, alice.ID), "deleting twice is fine")
		_, ok, err = s.GetOwner(ctx, alice.ID)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestPeers(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s RecordStore) {
		ctx := context.Background()
		owner := model.Owner{ExternalID: "1001", Username: "alice"}
		require.NoError(t, s.CreateOwner(ctx, &owner))

		phone := model.ProvisionedPeer{
			OwnerID: owner.ID, Device: model.DevicePhone,
			PublicKey: "AAA=", PrivateKey: "aaa=", Address: "10.8.1.17", Name: "alice_phone",
		}
		require.NoError(t, s.CreatePeer(ctx, &phone))
		assert.NotZero(t, phone.ID)

		sameDevice := model.ProvisionedPeer{OwnerID: owner.ID, Device: model.DevicePhone, PublicKey: "BBB="}
		assert.True(t, errors.Is(s.CreatePeer(ctx, &sameDevice), ErrConflict))
		sameKey := model.ProvisionedPeer{OwnerID: owner.ID, Device: model.DeviceLaptop, PublicKey: "AAA="}
		assert.True(t, errors.Is(s.CreatePeer(ctx, &sameKey), ErrConflict))

		laptop := model.ProvisionedPeer{
			OwnerID: owner.ID, Device: model.DeviceLaptop,
			PublicKey: "CCC=", PrivateKey: model.NoPrivateKey, Address: "10.8.1.18", Name: "alice_laptop",
		}
		require.NoError(t, s.CreatePeer(ctx, &laptop))

		got, ok, err := s.FindPeer(ctx, owner.ID, model.DevicePhone)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "AAA=", got.PublicKey)
		assert.Equal(t, "aaa=", got.PrivateKey)
		assert.Equal(t, "10.8.1.17", got.Address)

		got, ok, err = s.FindPeerByKey(ctx, "CCC=")
		require.NoError(t, err)
		require.True(t, ok)
		assert.False(t, got.HasPrivateKey())

		_, ok, err = s.FindPeer(ctx, owner.ID, model.DeviceRouter)
		require.NoError(t, err)
		assert.False(t, ok)

		all, err := s.ListPeers(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		mine, err := s.ListOwnerPeers(ctx, owner.ID)
		require.NoError(t, err)
		assert.Len(t, mine, 2)
		none, err := s.ListOwnerPeers(ctx, owner.ID+100)
		require.NoError(t, err)
		assert.Empty(t, none)

		require.NoError(t, s.DeletePeer(ctx, phone.ID))
		_, ok, err = s.GetPeer(ctx, phone.ID)
		require.NoError(t, err)
		assert.False(t, ok)

		again := model.ProvisionedPeer{OwnerID: owner.ID, Device: model.DevicePhone, PublicKey: "DDD="}
		assert.NoError(t, s.CreatePeer(ctx, &again), "device slot is free after delete")
	})
}

func TestStatsAndRequests(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s RecordStore) {
		ctx := context.Background()
		owner := model.Owner{ExternalID: "1001"}
		require.NoError(t, s.CreateOwner(ctx, &owner))
		for i, d := range []model.DeviceClass{model.DevicePhone, model.DeviceLaptop} {
			p := model.ProvisionedPeer{OwnerID: owner.ID, Device: d, PublicKey: string(rune('A'+i)) + "=="}
			require.NoError(t, s.CreatePeer(ctx, &p))
		}
		require.NoError(t, s.LogRequest(ctx, model.RequestLog{OwnerID: owner.ID, Device: model.DevicePhone, Action: model.ActionNewConfig}))
		require.NoError(t, s.LogRequest(ctx, model.RequestLog{OwnerID: owner.ID, Device: model.DevicePhone, Action: model.ActionExistingConfig}))

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), st.Owners)
		assert.Equal(t, int64(2), st.Peers)
		assert.Equal(t, int64(2), st.Requests)
		assert.Equal(t, int64(1), st.ByDevice[model.DevicePhone])
		assert.Equal(t, int64(1), st.ByDevice[model.DeviceLaptop])
	})
}

func TestAudit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s RecordStore) {
		ctx := context.Background()
		for _, target := range []string{"a", "b", "c"} {
			require.NoError(t, s.AppendAudit(ctx, model.AuditEntry{Actor: "admin", Action: "delete", Target: target}))
		}
		entries, err := s.ListAudit(ctx, 2)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "b", entries[0].Target)
		assert.Equal(t, "c", entries[1].Target)
	})
}

func TestUserStores(t *testing.T) {
	for _, b := range backends() {
		s := b.open(t)
		us, ok := s.(UserStore)
		if !ok {
			_ = s.Close()
			continue
		}
		t.Run(b.name, func(t *testing.T) {
			defer s.Close()
			ctx := context.Background()
			n, err := us.CountUsers(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)

			u := model.User{Username: "root", PasswordHash: "x", IsAdmin: true}
			require.NoError(t, us.CreateUser(ctx, &u))
			assert.True(t, errors.Is(us.CreateUser(ctx, &model.User{Username: "root"}), ErrConflict))

			got, found, err := us.FindUser(ctx, "root")
			require.NoError(t, err)
			require.True(t, found)
			assert.True(t, got.IsAdmin)
		})
	}
}

func TestMemoryLeaderGuardRunsOnce(t *testing.T) {
	calls := 0
	NewMemoryStore().LeaderGuard(context.Background(), "k", 0, func(context.Context) { calls++ })
	assert.Equal(t, 1, calls)
}
