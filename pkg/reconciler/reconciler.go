// Package reconciler keeps the record store, the running interface and the
// client list consistent. The record store is authoritative for which peers
// should exist; the client list tells whether a missing peer was removed on
// purpose.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"awg-keeper/pkg/awg"
	"awg-keeper/pkg/metrics"
	"awg-keeper/pkg/model"
	"awg-keeper/pkg/store"
)

// Daemon is the write side of the managed interface.
type Daemon interface {
	ReadConfig(ctx context.Context) (string, error)
	Register(ctx context.Context, publicKey string, addr netip.Addr, name string) error
	SweepClients(ctx context.Context, drop func(awg.ClientEntry) bool) ([]awg.ClientEntry, error)
}

// Metadata reads the client list.
type Metadata interface {
	Load(ctx context.Context) (awg.Table, error)
}

type Options struct {
	Interval time.Duration
	// RestoreDelay is waited after every restore so the daemon can settle.
	RestoreDelay time.Duration
	AdoptOrphans bool
	Devices      []string
	// Locker, when set, limits passes to the process holding LeaderKey.
	Locker    store.Locker
	LeaderKey string
	// Guard is held during the owner sweep.
	Guard sync.Locker
	// OnReport receives every report, skipped passes included.
	OnReport func(Report)
}

// Report describes one pass.
type Report struct {
	ID        string        `json:"id"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`

	Runtime  int `json:"runtime"`
	Metadata int `json:"metadata"`
	Records  int `json:"records"`

	Consistent      int `json:"consistent"`
	MetadataLag     int `json:"metadataLag"`
	Restored        int `json:"restored"`
	Deleted         int `json:"deleted"`
	OwnersRemoved   int `json:"ownersRemoved"`
	MetadataRemoved int `json:"metadataRemoved"`
	Adopted         int `json:"adopted"`
	Failed          int `json:"failed"`

	Skipped string   `json:"skipped,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

func (r *Report) fail(format string, args ...any) {
	r.Failed++
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

type Reconciler struct {
	Records  store.RecordStore
	Runtime  awg.PeerLister
	Metadata Metadata
	Daemon   Daemon
	Options  Options
	Log      zerolog.Logger

	passMu  sync.Mutex
	mu      sync.Mutex
	last    *Report
	trigger chan struct{}
	stopCh  chan struct{}
	done    chan struct{}
	sleep   func(ctx context.Context, d time.Duration)
}

// LastReport returns the most recent report, if any pass ran.
func (r *Reconciler) LastReport() (Report, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return Report{}, false
	}
	return *r.last, true
}

// Pass runs one reconciliation. Only one pass runs at a time.
func (r *Reconciler) Pass(ctx context.Context) Report {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	timer := metrics.NewTimer()
	rep := Report{ID: uuid.NewString(), StartedAt: time.Now()}
	r.pass(ctx, &rep)
	rep.Duration = timer.Duration()

	if rep.Skipped != "" {
		metrics.ReconcilePassesTotal.WithLabelValues("skipped").Inc()
		r.Log.Warn().Str("pass", rep.ID).Str("reason", rep.Skipped).Msg("reconciliation pass skipped")
	} else {
		timer.ObserveDuration(metrics.ReconcileDuration)
		metrics.ReconcilePassesTotal.WithLabelValues("completed").Inc()
		metrics.LastPassTimestamp.SetToCurrentTime()
		record(rep)
		ev := r.Log.Info()
		if rep.Failed > 0 {
			ev = r.Log.Warn().Strs("errors", rep.Errors)
		}
		ev.Str("pass", rep.ID).
			Int("runtime", rep.Runtime).Int("metadata", rep.Metadata).Int("records", rep.Records).
			Int("restored", rep.Restored).Int("deleted", rep.Deleted).
			Int("ownersRemoved", rep.OwnersRemoved).Int("metadataRemoved", rep.MetadataRemoved).
			Int("adopted", rep.Adopted).Int("failed", rep.Failed).
			Dur("took", rep.Duration).Msg("reconciliation pass finished")
	}

	r.mu.Lock()
	r.last = &rep
	r.mu.Unlock()
	if r.Options.OnReport != nil {
		r.Options.OnReport(rep)
	}
	return rep
}

func record(rep Report) {
	metrics.PeersObserved.WithLabelValues("runtime").Set(float64(rep.Runtime))
	metrics.PeersObserved.WithLabelValues("metadata").Set(float64(rep.Metadata))
	metrics.PeersObserved.WithLabelValues("records").Set(float64(rep.Records))
	for action, n := range map[string]int{
		"restored":         rep.Restored,
		"deleted":          rep.Deleted,
		"owner_removed":    rep.OwnersRemoved,
		"metadata_removed": rep.MetadataRemoved,
		"adopted":          rep.Adopted,
		"failed":           rep.Failed,
	} {
		if n > 0 {
			metrics.ReconcileActionsTotal.WithLabelValues(action).Add(float64(n))
		}
	}
}

func (r *Reconciler) pass(ctx context.Context, rep *Report) {
	runtime, err := r.Runtime.ListPeers(ctx)
	if err != nil {
		rep.Skipped = fmt.Sprintf("runtime peers unreadable: %v", err)
		return
	}
	table, err := r.Metadata.Load(ctx)
	if err != nil {
		rep.Skipped = fmt.Sprintf("client list unreadable: %v", err)
		return
	}
	records, err := r.Records.ListPeers(ctx)
	if err != nil {
		rep.Skipped = fmt.Sprintf("records unreadable: %v", err)
		return
	}
	rep.Runtime, rep.Metadata, rep.Records = runtime.Len(), table.Len(), len(records)
	metadata := table.Keys()

	for _, peer := range records {
		if ctx.Err() != nil {
			rep.fail("pass interrupted: %v", ctx.Err())
			return
		}
		r.reconcilePeer(ctx, rep, peer, runtime.Has(peer.PublicKey), metadata.Has(peer.PublicKey))
	}

	// adoption first: an orphan's owner has no peer record yet and would
	// otherwise be swept
	if r.Options.AdoptOrphans {
		r.adopt(ctx, rep, runtime, table)
	}

	r.sweepOwners(ctx, rep)
	r.sweepMetadata(ctx, rep, runtime, metadata)
}

func (r *Reconciler) reconcilePeer(ctx context.Context, rep *Report, peer model.ProvisionedPeer, onRuntime, inMetadata bool) {
	log := r.Log.With().Str("peer", peer.Name).Str("publicKey", short(peer.PublicKey)).Logger()
	switch {
	case onRuntime && inMetadata:
		rep.Consistent++
	case onRuntime:
		rep.MetadataLag++
		log.Debug().Msg("peer running without client list entry")
	case inMetadata:
		addr, err := peer.Addr()
		if err != nil {
			rep.fail("restore %s: bad address %q", peer.Name, peer.Address)
			return
		}
		log.Info().Str("addr", peer.Address).Msg("peer missing from interface, restoring")
		if err := r.Daemon.Register(ctx, peer.PublicKey, addr, peer.Name); err != nil {
			rep.fail("restore %s: %v", peer.Name, err)
			log.Error().Err(err).Msg("restore failed")
		} else {
			rep.Restored++
		}
		r.wait(ctx, r.Options.RestoreDelay)
	default:
		if err := r.Records.DeletePeer(ctx, peer.ID); err != nil {
			rep.fail("delete record %s: %v", peer.Name, err)
			log.Error().Err(err).Msg("record delete failed")
			return
		}
		rep.Deleted++
		log.Info().Msg("peer removed outside the system, record deleted")
	}
}

func (r *Reconciler) sweepOwners(ctx context.Context, rep *Report) {
	if g := r.Options.Guard; g != nil {
		g.Lock()
		defer g.Unlock()
	}
	owners, err := r.Records.ListOwners(ctx)
	if err != nil {
		rep.fail("list owners: %v", err)
		return
	}
	peers, err := r.Records.ListPeers(ctx)
	if err != nil {
		rep.fail("list peers: %v", err)
		return
	}
	held := make(map[uint]bool, len(peers))
	for _, p := range peers {
		held[p.OwnerID] = true
	}
	for _, o := range owners {
		if held[o.ID] {
			continue
		}
		if err := r.Records.DeleteOwner(ctx, o.ID); err != nil {
			rep.fail("delete owner %s: %v", o.ExternalID, err)
			continue
		}
		rep.OwnersRemoved++
		r.Log.Info().Str("owner", o.ExternalID).Msg("owner without peers removed")
	}
}

// sweepMetadata drops client list entries that were already in the snapshot
// and are neither running nor recorded. Entries written after the snapshot
// belong to a registration in flight and are left for the next pass.
func (r *Reconciler) sweepMetadata(ctx context.Context, rep *Report, runtime, snapshot awg.PeerSet) {
	peers, err := r.Records.ListPeers(ctx)
	if err != nil {
		rep.fail("list peers: %v", err)
		return
	}
	recorded := awg.NewPeerSet()
	for _, p := range peers {
		recorded.Add(p.PublicKey)
	}
	removed, err := r.Daemon.SweepClients(ctx, func(e awg.ClientEntry) bool {
		return snapshot.Has(e.ClientID) && !runtime.Has(e.ClientID) && !recorded.Has(e.ClientID)
	})
	if err != nil {
		rep.fail("client list sweep: %v", err)
		return
	}
	rep.MetadataRemoved = len(removed)
	for _, e := range removed {
		r.Log.Info().Str("peer", e.ClientName).Msg("dead client list entry removed")
	}
}

func (r *Reconciler) adopt(ctx context.Context, rep *Report, runtime awg.PeerSet, table awg.Table) {
	text, err := r.Daemon.ReadConfig(ctx)
	if err != nil {
		rep.fail("adopt: %v", err)
		return
	}
	a := &Adopter{Records: r.Records, Devices: r.Options.Devices, Skip: SkipAdmin, Log: r.Log}
	res := a.Adopt(ctx, runtime.Keys(), table, text)
	rep.Adopted = res.Adopted
	for _, e := range res.Errors {
		rep.fail("%s", e)
	}
}

func (r *Reconciler) wait(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	if r.sleep != nil {
		r.sleep(ctx, d)
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// ErrRunning is returned by Start when the loop is already running.
var ErrRunning = errors.New("reconciler already running")
