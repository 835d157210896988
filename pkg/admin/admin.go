// Package admin implements operator actions: listing and deleting issued
// configs, inspecting how the three peer sources line up, cleaning the
// client list and importing daemon peers into the record store.
package admin

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"awg-keeper/pkg/awg"
	"awg-keeper/pkg/model"
	"awg-keeper/pkg/reconciler"
	"awg-keeper/pkg/store"
	"awg-keeper/pkg/wireguard"
)

// Daemon is the part of the server config mutator admin needs.
type Daemon interface {
	ReadConfig(ctx context.Context) (string, error)
	Remove(ctx context.Context, publicKey string) (bool, error)
	SweepClients(ctx context.Context, drop func(awg.ClientEntry) bool) ([]awg.ClientEntry, error)
}

type Service struct {
	Records  store.RecordStore
	Daemon   Daemon
	Metadata reconciler.Metadata
	Devices  []string
	Log      zerolog.Logger
}

// PeerRow is a peer record with its owner.
type PeerRow struct {
	model.ProvisionedPeer
	OwnerExternalID string `json:"ownerExternalId"`
	OwnerUsername   string `json:"ownerUsername,omitempty"`
}

// DaemonPeer is a [Peer] stanza of the server config.
type DaemonPeer struct {
	PublicKey string `json:"publicKey"`
	Address   string `json:"address"`
	Recorded  bool   `json:"recorded"`
}

// MetadataRow is a client list entry. Live means the daemon config has the
// peer.
type MetadataRow struct {
	ClientID   string `json:"clientId"`
	ClientName string `json:"clientName"`
	Live       bool   `json:"live"`
}

// SyncStatus compares the server config, the client list and the records.
type SyncStatus struct {
	DaemonPeers  []DaemonPeer  `json:"daemonPeers"`
	Metadata     []MetadataRow `json:"metadata"`
	Records      []PeerRow     `json:"records"`
	DeadMetadata int           `json:"deadMetadata"`
	Unrecorded   int           `json:"unrecorded"`
}

func (s *Service) audit(ctx context.Context, actor, action, target, detail string) {
	if actor == "" {
		actor = "system"
	}
	err := s.Records.AppendAudit(ctx, model.AuditEntry{Actor: actor, Action: action, Target: target, Detail: detail})
	if err != nil {
		s.Log.Warn().Err(err).Str("action", action).Msg("audit write failed")
	}
}

// List returns every peer record joined with its owner.
func (s *Service) List(ctx context.Context) ([]PeerRow, error) {
	peers, err := s.Records.ListPeers(ctx)
	if err != nil {
		return nil, err
	}
	owners, err := s.Records.ListOwners(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[uint]model.Owner, len(owners))
	for _, o := range owners {
		byID[o.ID] = o
	}
	rows := make([]PeerRow, 0, len(peers))
	for _, p := range peers {
		row := PeerRow{ProvisionedPeer: p}
		if o, ok := byID[p.OwnerID]; ok {
			row.OwnerExternalID, row.OwnerUsername = o.ExternalID, o.Username
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// DeleteByID removes the peer from the daemon and then its record. The
// record is kept when the daemon could not be updated.
func (s *Service) DeleteByID(ctx context.Context, id uint, actor string) error {
	p, ok, err := s.Records.GetPeer(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("peer %d: %w", id, store.ErrNotFound)
	}
	if err := s.delete(ctx, p, actor); err != nil {
		return err
	}
	return s.dropOwnerIfEmpty(ctx, p.OwnerID)
}

// DeleteByOwner removes every peer of the owner, then the owner.
func (s *Service) DeleteByOwner(ctx context.Context, ownerID uint, actor string) (int, error) {
	if _, ok, err := s.Records.GetOwner(ctx, ownerID); err != nil {
		return 0, err
	} else if !ok {
		return 0, fmt.Errorf("owner %d: %w", ownerID, store.ErrNotFound)
	}
	peers, err := s.Records.ListOwnerPeers(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	n, err := s.deleteAll(ctx, peers, actor)
	if err != nil {
		return n, err
	}
	return n, s.dropOwnerIfEmpty(ctx, ownerID)
}

// DeleteAll removes every issued peer. It stops at the first failure.
func (s *Service) DeleteAll(ctx context.Context, actor string) (int, error) {
	peers, err := s.Records.ListPeers(ctx)
	if err != nil {
		return 0, err
	}
	n, err := s.deleteAll(ctx, peers, actor)
	if err != nil {
		return n, err
	}
	owners, err := s.Records.ListOwners(ctx)
	if err != nil {
		return n, err
	}
	for _, o := range owners {
		if err := s.dropOwnerIfEmpty(ctx, o.ID); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (s *Service) deleteAll(ctx context.Context, peers []model.ProvisionedPeer, actor string) (int, error) {
	n := 0
	for _, p := range peers {
		if err := s.delete(ctx, p, actor); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *Service) delete(ctx context.Context, p model.ProvisionedPeer, actor string) error {
	present, err := s.Daemon.Remove(ctx, p.PublicKey)
	if err != nil {
		return fmt.Errorf("remove %s from daemon: %w", p.Name, err)
	}
	if !present {
		s.Log.Warn().Str("peer", p.Name).Msg("peer was not in server config")
	}
	if err := s.Records.DeletePeer(ctx, p.ID); err != nil {
		return fmt.Errorf("delete record %s: %w", p.Name, err)
	}
	s.Log.Info().Str("peer", p.Name).Str("actor", actor).Msg("config deleted")
	s.audit(ctx, actor, "delete_config", p.Name, p.Address)
	return nil
}

func (s *Service) dropOwnerIfEmpty(ctx context.Context, ownerID uint) error {
	left, err := s.Records.ListOwnerPeers(ctx, ownerID)
	if err != nil || len(left) > 0 {
		return err
	}
	return s.Records.DeleteOwner(ctx, ownerID)
}

// Status reads all three sources once and reports how they differ.
func (s *Service) Status(ctx context.Context) (SyncStatus, error) {
	var st SyncStatus
	text, err := s.Daemon.ReadConfig(ctx)
	if err != nil {
		return st, err
	}
	table, err := s.Metadata.Load(ctx)
	if err != nil && !errors.Is(err, awg.ErrMetadataCorrupt) {
		return st, err
	}
	if st.Records, err = s.List(ctx); err != nil {
		return st, err
	}
	recorded := awg.NewPeerSet()
	for _, r := range st.Records {
		recorded.Add(r.PublicKey)
	}
	daemon := awg.NewPeerSet()
	for _, p := range wireguard.Peers(text) {
		daemon.Add(p.PublicKey)
		dp := DaemonPeer{PublicKey: p.PublicKey, Recorded: recorded.Has(p.PublicKey)}
		if len(p.AllowedIPs) > 0 {
			dp.Address = p.AllowedIPs[0]
		}
		if !dp.Recorded {
			st.Unrecorded++
		}
		st.DaemonPeers = append(st.DaemonPeers, dp)
	}
	for _, e := range table.Entries() {
		row := MetadataRow{ClientID: e.ClientID, ClientName: e.ClientName, Live: daemon.Has(e.ClientID)}
		if !row.Live {
			st.DeadMetadata++
		}
		st.Metadata = append(st.Metadata, row)
	}
	return st, nil
}

// CleanupMetadata drops client list entries whose peer is not in the server
// config, whether or not a record exists for it.
func (s *Service) CleanupMetadata(ctx context.Context, actor string) ([]awg.ClientEntry, error) {
	text, err := s.Daemon.ReadConfig(ctx)
	if err != nil {
		return nil, err
	}
	live := awg.NewPeerSet()
	for _, p := range wireguard.Peers(text) {
		live.Add(p.PublicKey)
	}
	removed, err := s.Daemon.SweepClients(ctx, func(e awg.ClientEntry) bool { return !live.Has(e.ClientID) })
	if err != nil {
		return nil, err
	}
	for _, e := range removed {
		s.Log.Info().Str("peer", e.ClientName).Msg("dead client list entry removed")
	}
	if len(removed) > 0 {
		s.audit(ctx, actor, "cleanup_metadata", "clientsTable", fmt.Sprintf("%d entries", len(removed)))
	}
	return removed, nil
}

// Import records every server config peer that has none yet, skipping the
// operator's own peers.
func (s *Service) Import(ctx context.Context, actor string) (reconciler.AdoptResult, error) {
	text, err := s.Daemon.ReadConfig(ctx)
	if err != nil {
		return reconciler.AdoptResult{}, err
	}
	table, err := s.Metadata.Load(ctx)
	if err != nil {
		return reconciler.AdoptResult{}, err
	}
	var keys []string
	for _, p := range wireguard.Peers(text) {
		keys = append(keys, p.PublicKey)
	}
	a := &reconciler.Adopter{Records: s.Records, Devices: s.Devices, Skip: reconciler.SkipAdmin, Log: s.Log}
	res := a.Adopt(ctx, keys, table, text)
	s.Log.Info().Int("imported", res.Adopted).Int("skipped", res.Skipped).Int("errors", len(res.Errors)).Msg("import finished")
	if res.Adopted > 0 {
		s.audit(ctx, actor, "import", "records", fmt.Sprintf("%d peers", res.Adopted))
	}
	return res, nil
}

func (s *Service) Stats(ctx context.Context) (model.Stats, error) {
	return s.Records.Stats(ctx)
}
