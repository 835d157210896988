// Package provision issues client configs: it finds or creates the owner,
// reuses an existing peer for the device or mints a new one, and renders the
// client config text.
package provision

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"awg-keeper/pkg/awg"
	"awg-keeper/pkg/config"
	"awg-keeper/pkg/ipam"
	"awg-keeper/pkg/metrics"
	"awg-keeper/pkg/model"
	"awg-keeper/pkg/naming"
	"awg-keeper/pkg/store"
	"awg-keeper/pkg/wireguard"
)

var (
	// ErrNoPrivateKey is returned for a peer that was adopted from the daemon
	// and therefore has no private key to put into a client config.
	ErrNoPrivateKey = errors.New("peer has no private key")
	// ErrUnknownDevice is returned for a device class that is not configured.
	ErrUnknownDevice = errors.New("unknown device class")
)

// Request identifies who is asking and for which device.
type Request struct {
	ExternalID string
	Username   string
	FirstName  string
	LastName   string
	Device     model.DeviceClass
}

// ClientConfig is a rendered client config. Created is false when an
// existing peer was reused.
type ClientConfig struct {
	FileName string
	Content  string
	Peer     model.ProvisionedPeer
	Created  bool
}

// Registrar puts a peer into the running daemon.
type Registrar interface {
	Register(ctx context.Context, publicKey string, addr netip.Addr, name string) error
}

type Provisioner struct {
	Records  store.RecordStore
	Keys     awg.KeyGenerator
	Alloc    *ipam.Allocator
	Daemon   Registrar
	Settings config.Settings
	Log      zerolog.Logger

	mu sync.Mutex
}

// Provision returns the client config for req, creating the peer on first
// use. A failure after the daemon accepted the peer but before the record is
// stored leaves the peer on the daemon. With sync.adopt_orphans set the
// reconciler adopts it on its next pass, without a private key; otherwise
// it stays there until an operator imports or removes it.
func (p *Provisioner) Provision(ctx context.Context, req Request) (ClientConfig, error) {
	if req.ExternalID == "" {
		return ClientConfig{}, errors.New("external id is required")
	}
	if !p.Settings.DeviceAllowed(string(req.Device)) {
		metrics.ProvisionTotal.WithLabelValues("error").Inc()
		return ClientConfig{}, fmt.Errorf("%w: %q", ErrUnknownDevice, req.Device)
	}

	if owner, ok, err := p.Records.FindOwner(ctx, req.ExternalID); err != nil {
		metrics.ProvisionTotal.WithLabelValues("error").Inc()
		return ClientConfig{}, fmt.Errorf("lookup owner: %w", err)
	} else if ok {
		if peer, found, err := p.Records.FindPeer(ctx, owner.ID, req.Device); err != nil {
			metrics.ProvisionTotal.WithLabelValues("error").Inc()
			return ClientConfig{}, fmt.Errorf("lookup peer: %w", err)
		} else if found {
			return p.existing(ctx, p.requestLog(owner, req.Device), owner, peer)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// resolved again under the lock: another request may have created the
	// peer, or the owner sweep may have removed a peerless owner
	owner, err := p.owner(ctx, req)
	if err != nil {
		metrics.ProvisionTotal.WithLabelValues("error").Inc()
		return ClientConfig{}, err
	}
	log := p.requestLog(owner, req.Device)
	if peer, ok, err := p.Records.FindPeer(ctx, owner.ID, req.Device); err != nil {
		metrics.ProvisionTotal.WithLabelValues("error").Inc()
		return ClientConfig{}, fmt.Errorf("lookup peer: %w", err)
	} else if ok {
		return p.existing(ctx, log, owner, peer)
	}

	cfg, err := p.create(ctx, log, owner, req.Device)
	if err != nil {
		metrics.ProvisionTotal.WithLabelValues("error").Inc()
		return ClientConfig{}, err
	}
	metrics.ProvisionTotal.WithLabelValues("new").Inc()
	return cfg, nil
}

// Guard is held while a peer is being created. The reconciler takes it for
// the owner sweep so a freshly created owner is not removed before its peer
// is stored.
func (p *Provisioner) Guard() sync.Locker {
	return &p.mu
}

func (p *Provisioner) requestLog(owner model.Owner, device model.DeviceClass) zerolog.Logger {
	return p.Log.With().Str("owner", owner.ExternalID).Str("device", string(device)).Logger()
}

func (p *Provisioner) owner(ctx context.Context, req Request) (model.Owner, error) {
	if o, ok, err := p.Records.FindOwner(ctx, req.ExternalID); err != nil {
		return model.Owner{}, fmt.Errorf("lookup owner: %w", err)
	} else if ok {
		return o, nil
	}
	o := model.Owner{
		ExternalID: req.ExternalID,
		Username:   usernameFor(req),
		FirstName:  req.FirstName,
		LastName:   req.LastName,
	}
	err := p.Records.CreateOwner(ctx, &o)
	if errors.Is(err, store.ErrConflict) {
		got, ok, ferr := p.Records.FindOwner(ctx, req.ExternalID)
		if ferr == nil && ok {
			return got, nil
		}
	}
	if err != nil {
		return model.Owner{}, fmt.Errorf("create owner: %w", err)
	}
	p.Log.Info().Str("owner", o.ExternalID).Str("handle", o.Handle()).Msg("owner created")
	return o, nil
}

// usernameFor prefers the account username and falls back to the person's
// name. Empty means the handle becomes user<externalID>.
func usernameFor(req Request) string {
	if req.Username != "" {
		return naming.SafeName("", req.Username)
	}
	if req.FirstName == "" && req.LastName == "" {
		return ""
	}
	name := naming.SafeName("", req.FirstName, req.LastName)
	if name == "unknown_user" {
		return ""
	}
	return name
}

func (p *Provisioner) existing(ctx context.Context, log zerolog.Logger, owner model.Owner, peer model.ProvisionedPeer) (ClientConfig, error) {
	if !peer.HasPrivateKey() {
		metrics.ProvisionTotal.WithLabelValues("error").Inc()
		return ClientConfig{}, fmt.Errorf("%w: %s", ErrNoPrivateKey, peer.Name)
	}
	p.logRequest(ctx, log, owner.ID, peer.Device, model.ActionExistingConfig)
	metrics.ProvisionTotal.WithLabelValues("existing").Inc()
	log.Info().Str("peer", peer.Name).Msg("existing config returned")
	return ClientConfig{FileName: peer.ConfigFileName(), Content: p.Render(peer), Peer: peer}, nil
}

func (p *Provisioner) create(ctx context.Context, log zerolog.Logger, owner model.Owner, device model.DeviceClass) (ClientConfig, error) {
	keys, err := p.Keys.Generate(ctx)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("generate keys: %w", err)
	}

	reserved, err := p.recordedAddresses(ctx)
	if err != nil {
		return ClientConfig{}, err
	}
	lease, err := p.Alloc.Next(ctx, reserved...)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("allocate address: %w", err)
	}
	if lease.Degraded {
		log.Warn().Str("addr", lease.Addr.String()).Msg("server config unreadable, address only checked against records")
	}

	name := model.PeerName(owner.Handle(), device)
	if err := p.Daemon.Register(ctx, keys.PublicKey, lease.Addr, name); err != nil {
		if !errors.Is(err, awg.ErrReload) {
			return ClientConfig{}, fmt.Errorf("register peer: %w", err)
		}
		log.Warn().Err(err).Str("peer", name).Msg("peer written to server config but interface not reloaded")
	}

	peer := model.ProvisionedPeer{
		OwnerID:    owner.ID,
		Device:     device,
		PublicKey:  keys.PublicKey,
		PrivateKey: keys.PrivateKey,
		Address:    lease.Addr.String(),
		Name:       name,
	}
	if err := p.Records.CreatePeer(ctx, &peer); err != nil {
		log.Error().Err(err).Str("peer", name).Str("publicKey", keys.PublicKey).
			Msg("peer registered on daemon but record not stored")
		return ClientConfig{}, fmt.Errorf("store peer: %w", err)
	}
	p.logRequest(ctx, log, owner.ID, device, model.ActionNewConfig)
	log.Info().Str("peer", name).Str("addr", peer.Address).Msg("new config issued")
	return ClientConfig{FileName: peer.ConfigFileName(), Content: p.Render(peer), Peer: peer, Created: true}, nil
}

func (p *Provisioner) recordedAddresses(ctx context.Context) ([]netip.Addr, error) {
	peers, err := p.Records.ListPeers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	out := make([]netip.Addr, 0, len(peers))
	for _, peer := range peers {
		if a, err := peer.Addr(); err == nil {
			out = append(out, a)
		}
	}
	return out, nil
}

func (p *Provisioner) logRequest(ctx context.Context, log zerolog.Logger, ownerID uint, device model.DeviceClass, action string) {
	err := p.Records.LogRequest(ctx, model.RequestLog{OwnerID: ownerID, Device: device, Action: action})
	if err != nil {
		log.Warn().Err(err).Msg("request log write failed")
	}
}

// Render produces the client config text for a stored peer.
func (p *Provisioner) Render(peer model.ProvisionedPeer) string {
	s := p.Settings
	o := s.Clients.Obfuscation
	return wireguard.RenderClient(wireguard.ClientConfig{
		PrivateKey: peer.PrivateKey,
		Address:    peer.Address,
		DNS:        s.Clients.DNS,
		Obfuscation: wireguard.Obfuscation{
			Jc: o.Jc, Jmin: o.Jmin, Jmax: o.Jmax,
			S1: o.S1, S2: o.S2,
			H1: o.H1, H2: o.H2, H3: o.H3, H4: o.H4,
		},
		ServerPublicKey: s.Server.PublicKey,
		PresharedKey:    s.Server.PresharedKey,
		Endpoint:        s.Server.Endpoint,
	})
}

// WriteFile stores the config under dir with mode 0600 and returns its path.
func WriteFile(dir string, cfg ClientConfig) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(dir, filepath.Base(cfg.FileName))
	if err := os.WriteFile(path, []byte(cfg.Content), 0o600); err != nil {
		return "", fmt.Errorf("write client config: %w", err)
	}
	return path, nil
}
