package provision

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"awg-keeper/pkg/awg"
	"awg-keeper/pkg/config"
	"awg-keeper/pkg/ipam"
	"awg-keeper/pkg/model"
	"awg-keeper/pkg/store"
	"awg-keeper/pkg/wireguard"
)

const serverConf = "[Interface]\nPrivateKey = c2VydmVy\nAddress = 10.8.1.1/24\nListenPort = 51820\n"

// fakeDaemon keeps a server config in memory and serves as both the
// registrar and the allocator's config source.
type fakeDaemon struct {
	mu       sync.Mutex
	conf     string
	readErr  error
	regErr   error
	register int
}

func (d *fakeDaemon) ReadConfig(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conf, d.readErr
}

func (d *fakeDaemon) Register(_ context.Context, key string, addr netip.Addr, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.register++
	if d.regErr != nil && !errors.Is(d.regErr, awg.ErrReload) {
		return d.regErr
	}
	d.conf = wireguard.AppendPeer(d.conf, wireguard.PeerSpec{PublicKey: key, Address: addr.String()})
	return d.regErr
}

func newTestProvisioner(t *testing.T) (*Provisioner, *fakeDaemon, *store.MemoryStore) {
	t.Helper()
	s := config.Default()
	s.Server.Endpoint = "203.0.113.10:51820"
	s.Server.PublicKey = "U0VSVkVSX1BVQkxJQ19LRVlfX19fX19fX19fX19fX18="
	s.Server.PresharedKey = "UFNLX19fX19fX19fX19fX19fX19fX19fX19fX19fX18="

	pool, err := ipam.ParsePool(s.Clients.Network, s.Clients.IPStart)
	require.NoError(t, err)
	daemon := &fakeDaemon{conf: serverConf}
	records := store.NewMemoryStore()
	return &Provisioner{
		Records:  records,
		Keys:     awg.LocalKeys{},
		Alloc:    &ipam.Allocator{Pool: pool, Source: daemon},
		Daemon:   daemon,
		Settings: s,
		Log:      zerolog.Nop(),
	}, daemon, records
}

func TestProvisionNewConfig(t *testing.T) {
	p, daemon, records := newTestProvisioner(t)
	ctx := context.Background()

	cfg, err := p.Provision(ctx, Request{ExternalID: "1001", Username: "alice", Device: model.DevicePhone})
	require.NoError(t, err)
	assert.True(t, cfg.Created)
	assert.Equal(t, "alice_phone.conf", cfg.FileName)
	assert.Equal(t, "10.8.1.17", cfg.Peer.Address)
	assert.Equal(t, 1, daemon.register)
	assert.True(t, wireguard.HasPeer(daemon.conf, cfg.Peer.PublicKey))

	assert.Contains(t, cfg.Content, "PrivateKey = "+cfg.Peer.PrivateKey+"\n")
	assert.Contains(t, cfg.Content, "Address = 10.8.1.17/32\n")
	assert.Contains(t, cfg.Content, "Endpoint = 203.0.113.10:51820\n")
	assert.Contains(t, cfg.Content, "AllowedIPs = 0.0.0.0/0, ::/0\n")

	st, err := records.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Owners)
	assert.Equal(t, int64(1), st.Peers)
	assert.Equal(t, int64(1), st.Requests)
}

func TestProvisionReturnsExistingConfig(t *testing.T) {
	p, daemon, records := newTestProvisioner(t)
	ctx := context.Background()
	req := Request{ExternalID: "1001", Username: "alice", Device: model.DeviceLaptop}

	first, err := p.Provision(ctx, req)
	require.NoError(t, err)
	second, err := p.Provision(ctx, req)
	require.NoError(t, err)

	assert.False(t, second.Created)
	assert.Equal(t, first.Content, second.Content)
	assert.Equal(t, 1, daemon.register, "no second registration")
	st, err := records.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Peers)
	assert.Equal(t, int64(2), st.Requests)
}

func TestProvisionAllocatesDistinctAddresses(t *testing.T) {
	p, _, _ := newTestProvisioner(t)
	ctx := context.Background()

	seen := map[string]bool{}
	for i, d := range []model.DeviceClass{model.DevicePhone, model.DeviceLaptop, model.DeviceRouter} {
		cfg, err := p.Provision(ctx, Request{ExternalID: "1001", Username: "alice", Device: d})
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("10.8.1.%d", 17+i), cfg.Peer.Address)
		seen[cfg.Peer.Address] = true
	}
	assert.Len(t, seen, 3)
}

func TestProvisionSkipsRecordedAddresses(t *testing.T) {
	p, _, records := newTestProvisioner(t)
	ctx := context.Background()
	owner := model.Owner{ExternalID: "2002"}
	require.NoError(t, records.CreateOwner(ctx, &owner))
	require.NoError(t, records.CreatePeer(ctx, &model.ProvisionedPeer{
		OwnerID: owner.ID, Device: model.DevicePhone, PublicKey: "X=", Address: "10.8.1.17",
	}))

	cfg, err := p.Provision(ctx, Request{ExternalID: "1001", Device: model.DevicePhone})
	require.NoError(t, err)
	assert.Equal(t, "10.8.1.18", cfg.Peer.Address)
}

func TestProvisionHandleFallback(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want string
	}{
		{"username", Request{ExternalID: "7", Username: "bob"}, "bob_router.conf"},
		{"no name", Request{ExternalID: "7"}, "user7_router.conf"},
		{"first and last", Request{ExternalID: "7", FirstName: "Иван", LastName: "Петров"}, "Ivan_Petrov_router.conf"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _, _ := newTestProvisioner(t)
			tt.req.Device = model.DeviceRouter
			cfg, err := p.Provision(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.FileName)
		})
	}
}

func TestProvisionErrors(t *testing.T) {
	t.Run("unknown device", func(t *testing.T) {
		p, _, _ := newTestProvisioner(t)
		_, err := p.Provision(context.Background(), Request{ExternalID: "1", Device: "toaster"})
		assert.ErrorIs(t, err, ErrUnknownDevice)
	})

	t.Run("adopted peer has no private key", func(t *testing.T) {
		p, _, records := newTestProvisioner(t)
		ctx := context.Background()
		owner := model.Owner{ExternalID: "1", Username: "carol"}
		require.NoError(t, records.CreateOwner(ctx, &owner))
		require.NoError(t, records.CreatePeer(ctx, &model.ProvisionedPeer{
			OwnerID: owner.ID, Device: model.DevicePhone, PublicKey: "K=", PrivateKey: model.NoPrivateKey,
			Address: "10.8.1.30", Name: "carol_phone",
		}))
		_, err := p.Provision(ctx, Request{ExternalID: "1", Device: model.DevicePhone})
		assert.ErrorIs(t, err, ErrNoPrivateKey)
	})

	t.Run("registration failure stores nothing", func(t *testing.T) {
		p, daemon, records := newTestProvisioner(t)
		daemon.regErr = errors.New("disk full")
		_, err := p.Provision(context.Background(), Request{ExternalID: "1", Device: model.DevicePhone})
		require.Error(t, err)
		peers, err := records.ListPeers(context.Background())
		require.NoError(t, err)
		assert.Empty(t, peers)
	})

	t.Run("reload failure still issues config", func(t *testing.T) {
		p, daemon, _ := newTestProvisioner(t)
		daemon.regErr = fmt.Errorf("%w: exit 1", awg.ErrReload)
		cfg, err := p.Provision(context.Background(), Request{ExternalID: "1", Device: model.DevicePhone})
		require.NoError(t, err)
		assert.True(t, cfg.Created)
	})

	t.Run("pool exhausted", func(t *testing.T) {
		p, _, _ := newTestProvisioner(t)
		pool, err := ipam.ParsePool("10.8.1.0/24", "10.8.1.254")
		require.NoError(t, err)
		p.Alloc.Pool = pool
		_, err = p.Provision(context.Background(), Request{ExternalID: "1", Device: model.DevicePhone})
		require.NoError(t, err)
		_, err = p.Provision(context.Background(), Request{ExternalID: "1", Device: model.DeviceLaptop})
		assert.ErrorIs(t, err, ipam.ErrPoolExhausted)
	})
}

func TestProvisionDegradedLease(t *testing.T) {
	p, daemon, _ := newTestProvisioner(t)
	daemon.readErr = errors.New("container not running")
	cfg, err := p.Provision(context.Background(), Request{ExternalID: "1", Device: model.DevicePhone})
	require.NoError(t, err)
	assert.Equal(t, "10.8.1.17", cfg.Peer.Address)
}

func TestProvisionConcurrentRequestsShareOnePeer(t *testing.T) {
	p, daemon, _ := newTestProvisioner(t)
	var wg sync.WaitGroup
	keys := make([]string, 8)
	for i := range keys {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cfg, err := p.Provision(context.Background(), Request{ExternalID: "1", Device: model.DevicePhone})
			if err == nil {
				keys[i] = cfg.Peer.PublicKey
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, daemon.register)
	for _, k := range keys {
		assert.Equal(t, keys[0], k)
	}
}

func TestWriteFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "configs")
	path, err := WriteFile(dir, ClientConfig{FileName: "alice_phone.conf", Content: "[Interface]\n"})
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[Interface]\n", string(data))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	assert.True(t, strings.HasSuffix(path, "alice_phone.conf"))
}
