package app

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"awg-keeper/pkg/awg"
	"awg-keeper/pkg/config"
	"awg-keeper/pkg/executor/executortest"
	"awg-keeper/pkg/store"
)

func TestNewWiresContainerHost(t *testing.T) {
	s := config.Default()
	s.Store.Backend = "bolt"
	s.Store.Path = filepath.Join(t.TempDir(), "records.bolt")

	a, err := New(s, zerolog.Nop(), Options{Executor: &executortest.Fake{}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.IsType(t, &awg.ContainerHost{}, a.Host)
	assert.IsType(t, &awg.DaemonKeys{}, a.Provisioner.Keys)
	assert.Equal(t, "/opt/amnezia/awg/wg0.conf", a.Mutator.ConfigPath)
	assert.Equal(t, "/opt/amnezia/awg/clientsTable", a.Clients.Path)
	assert.NotNil(t, a.Reconciler.Options.Guard)
	assert.Nil(t, a.Reconciler.Options.Locker)
	assert.Nil(t, a.Users(), "bolt keeps no accounts")
}

func TestNewLocalModes(t *testing.T) {
	s := config.Default()
	s.Daemon.HostMode = "local"
	s.Daemon.KeyGen = "local"
	s.Daemon.Runtime = "netlink"

	a, err := New(s, zerolog.Nop(), Options{Executor: &executortest.Fake{}, Records: store.NewMemoryStore()})
	require.NoError(t, err)
	assert.IsType(t, &awg.LocalHost{}, a.Host)
	assert.IsType(t, awg.LocalKeys{}, a.Provisioner.Keys)
	assert.IsType(t, &awg.NetlinkLister{}, a.Reconciler.Runtime)
	assert.NotNil(t, a.Users())
}

func TestNewRejectsBadSettings(t *testing.T) {
	s := config.Default()
	s.Daemon.HostMode = "ssh"
	_, err := New(s, zerolog.Nop(), Options{Records: store.NewMemoryStore()})
	assert.Error(t, err)

	s = config.Default()
	s.Clients.Network = "fd00::/64"
	_, err = New(s, zerolog.Nop(), Options{Records: store.NewMemoryStore()})
	assert.Error(t, err)
}

func TestSyncSkipsWhenDaemonUnreachable(t *testing.T) {
	fake := &executortest.Fake{}
	fake.On("wg show", executortest.Fail(1, "Error: No such container: amnezia-awg"))

	a, err := New(config.Default(), zerolog.Nop(), Options{Executor: fake, Records: store.NewMemoryStore()})
	require.NoError(t, err)
	rep := a.Sync(context.Background())
	assert.True(t, strings.Contains(rep.Skipped, "runtime"), rep.Skipped)
}
