package awg

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/rs/zerolog"

	"awg-keeper/pkg/executor"
	"awg-keeper/pkg/wireguard"
)

// ErrReload means the config file was changed but neither syncconf nor
// setconf could push it into the running interface.
var ErrReload = errors.New("reload interface")

// Mutator owns every write to the server config and the client list. All
// read-modify-install sequences run under one mutex.
type Mutator struct {
	Host         Host
	ConfigPath   string
	Interface    string
	PresharedKey string
	Clients      *ClientsTable
	Log          zerolog.Logger

	mu sync.Mutex
}

// ReadConfig returns the current server config text.
func (m *Mutator) ReadConfig(ctx context.Context) (string, error) {
	data, err := m.Host.ReadFile(ctx, m.ConfigPath)
	if err != nil {
		return "", fmt.Errorf("read server config: %w", err)
	}
	return string(data), nil
}

// Register makes the peer part of the server config, records it in the
// client list and reloads the interface. It is idempotent: an existing
// stanza or list entry for the key is left as is. A failure to update the
// client list is logged, not returned. If only the reload fails the returned
// error wraps ErrReload.
func (m *Mutator) Register(ctx context.Context, publicKey string, addr netip.Addr, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	text, err := m.ReadConfig(ctx)
	if err != nil {
		return err
	}
	if wireguard.HasPeer(text, publicKey) {
		m.Log.Debug().Str("peer", name).Msg("peer already in server config")
	} else {
		next := wireguard.AppendPeer(text, wireguard.PeerSpec{
			PublicKey:    publicKey,
			PresharedKey: m.PresharedKey,
			Address:      addr.String(),
		})
		if err := m.Host.InstallFile(ctx, m.ConfigPath, []byte(next)); err != nil {
			return fmt.Errorf("write server config: %w", err)
		}
	}

	if m.Clients != nil {
		added, err := m.Clients.Upsert(ctx, publicKey, name)
		switch {
		case errors.Is(err, ErrMetadataCorrupt):
			m.Log.Warn().Err(err).Str("peer", name).Msg("client metadata was corrupt, rewritten with this peer only")
		case err != nil:
			m.Log.Error().Err(err).Str("peer", name).Msg("client metadata update failed")
		case added:
			m.Log.Info().Str("peer", name).Msg("client metadata entry added")
		}
	}

	if _, err := m.reload(ctx); err != nil {
		return err
	}
	m.Log.Info().Str("peer", name).Str("addr", addr.String()).Msg("peer registered")
	return nil
}

// Remove deletes every stanza for publicKey, reloads the interface and drops
// the client list entry. It reports whether a stanza was present.
func (m *Mutator) Remove(ctx context.Context, publicKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	text, err := m.ReadConfig(ctx)
	if err != nil {
		return false, err
	}
	next, n := wireguard.RemovePeer(text, publicKey)
	if n > 0 {
		if err := m.Host.InstallFile(ctx, m.ConfigPath, []byte(next)); err != nil {
			return false, fmt.Errorf("write server config: %w", err)
		}
		if _, err := m.reload(ctx); err != nil {
			m.Log.Warn().Err(err).Msg("peer removed from config but interface not reloaded")
		}
	}
	if m.Clients != nil {
		if _, err := m.Clients.Remove(ctx, publicKey); err != nil {
			m.Log.Error().Err(err).Msg("client metadata cleanup failed")
		}
	}
	return n > 0, nil
}

// SweepClients removes, in one rewrite, every client list entry drop matches.
func (m *Mutator) SweepClients(ctx context.Context, drop func(ClientEntry) bool) ([]ClientEntry, error) {
	if m.Clients == nil {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Clients.RemoveWhere(ctx, drop)
}

// Reload pushes the config file into the running interface.
func (m *Mutator) Reload(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reload(ctx)
}

// reload tries syncconf, which keeps existing sessions, then setconf. The
// stripped config is captured first so a failing strip never feeds an empty
// config to the interface.
func (m *Mutator) reload(ctx context.Context) (string, error) {
	conf := executor.Quote(m.ConfigPath)
	var errs []error
	for _, verb := range []string{"syncconf", "setconf"} {
		cmd := fmt.Sprintf(`stripped="$(wg-quick strip %s)" && printf '%%s\n' "$stripped" | wg %s %s /dev/stdin`, conf, verb, m.Interface)
		res := m.Host.Run(ctx, cmd)
		if res.OK() {
			if verb != "syncconf" {
				m.Log.Warn().Errs("earlier", errs).Msgf("interface reloaded with %s", verb)
			} else {
				m.Log.Debug().Msg("interface reloaded with syncconf")
			}
			return verb, nil
		}
		errs = append(errs, res.Err())
	}
	err := fmt.Errorf("%w: %w", ErrReload, errors.Join(errs...))
	m.Log.Error().Err(err).Msg("interface reload failed")
	return "", err
}
