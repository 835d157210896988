package awg

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"awg-keeper/pkg/executor/executortest"
)

func TestCommandLister(t *testing.T) {
	ctx := context.Background()

	t.Run("parses one key per line", func(t *testing.T) {
		h := newMemHost()
		h.exec.On("wg show wg0 peers", executortest.Out("AAA=\nBBB=\n\nCCC=\n"))
		set, err := (&CommandLister{Host: h, Interface: "wg0"}).ListPeers(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"AAA=", "BBB=", "CCC="}, set.Keys())
	})

	t.Run("empty interface", func(t *testing.T) {
		h := newMemHost()
		set, err := (&CommandLister{Host: h, Interface: "wg0"}).ListPeers(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, set.Len())
	})

	t.Run("failure", func(t *testing.T) {
		h := newMemHost()
		h.exec.On("wg show", executortest.Fail(1, "Unable to access interface"))
		_, err := (&CommandLister{Host: h, Interface: "wg0"}).ListPeers(ctx)
		assert.ErrorContains(t, err, "Unable to access interface")
	})
}

func TestPeerSet(t *testing.T) {
	s := NewPeerSet("b", "a", "", "a")
	assert.Equal(t, 2, s.Len())
	assert.True(t, s.Has("a"))
	assert.False(t, s.Has(""))
	assert.Equal(t, []string{"a", "b"}, s.Keys())
}

func TestDaemonKeys(t *testing.T) {
	ctx := context.Background()
	priv, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)

	h := newMemHost()
	h.exec.On("wg genkey", executortest.Out(priv.String()+"\n"))
	h.exec.On("wg pubkey", executortest.Out(priv.PublicKey().String()+"\n"))

	kp, err := (&DaemonKeys{Host: h}).Generate(ctx)
	require.NoError(t, err)
	assert.Equal(t, priv.String(), kp.PrivateKey)
	assert.Equal(t, priv.PublicKey().String(), kp.PublicKey)

	calls := h.exec.Calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[1], priv.String())

	t.Run("garbage output is rejected", func(t *testing.T) {
		h := newMemHost()
		h.exec.On("wg genkey", executortest.Out("oops"))
		_, err := (&DaemonKeys{Host: h}).Generate(ctx)
		assert.Error(t, err)
	})

	t.Run("pubkey failure", func(t *testing.T) {
		h := newMemHost()
		h.exec.On("wg genkey", executortest.Out(priv.String()))
		h.exec.On("wg pubkey", executortest.Fail(1, "bad"))
		_, err := (&DaemonKeys{Host: h}).Generate(ctx)
		assert.Error(t, err)
	})
}

func TestLocalKeys(t *testing.T) {
	kp, err := LocalKeys{}.Generate(context.Background())
	require.NoError(t, err)
	assert.NoError(t, ValidateKey(kp.PrivateKey))
	assert.NoError(t, ValidateKey(kp.PublicKey))
	assert.NotEqual(t, kp.PrivateKey, kp.PublicKey)
}
