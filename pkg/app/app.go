// Package app assembles the engine from settings.
package app

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"awg-keeper/pkg/admin"
	"awg-keeper/pkg/awg"
	"awg-keeper/pkg/config"
	"awg-keeper/pkg/executor"
	"awg-keeper/pkg/ipam"
	"awg-keeper/pkg/provision"
	"awg-keeper/pkg/reconciler"
	"awg-keeper/pkg/store"
)

// App holds the wired components. Close releases the record store.
type App struct {
	Settings    config.Settings
	Records     store.RecordStore
	Host        awg.Host
	Mutator     *awg.Mutator
	Clients     *awg.ClientsTable
	Provisioner *provision.Provisioner
	Reconciler  *reconciler.Reconciler
	Admin       *admin.Service
}

// Options override pieces New would otherwise build, mostly for tests.
type Options struct {
	Executor executor.Executor
	Records  store.RecordStore
}

func New(s config.Settings, log zerolog.Logger, opts Options) (*App, error) {
	ex := opts.Executor
	if ex == nil {
		ex = executor.NewShell(s.Daemon.CommandTimeout, log.With().Str("component", "executor").Logger())
	}

	var host awg.Host
	switch s.Daemon.HostMode {
	case "local":
		host = awg.NewLocalHost(ex)
	case "", "container":
		host = awg.NewContainerHost(ex, s.Daemon.Container)
	default:
		return nil, errors.New("unknown host mode " + s.Daemon.HostMode)
	}

	var lister awg.PeerLister
	switch s.Daemon.Runtime {
	case "netlink":
		lister = &awg.NetlinkLister{Interface: s.Daemon.Interface}
	default:
		lister = &awg.CommandLister{Host: host, Interface: s.Daemon.Interface}
	}

	var keys awg.KeyGenerator = &awg.DaemonKeys{Host: host}
	if s.Daemon.KeyGen == "local" {
		keys = awg.LocalKeys{}
	}

	pool, err := ipam.ParsePool(s.Clients.Network, s.Clients.IPStart)
	if err != nil {
		return nil, err
	}

	records := opts.Records
	if records == nil {
		if records, err = store.Open(s.Store, log.With().Str("component", "store").Logger()); err != nil {
			return nil, err
		}
	}

	clients := awg.NewClientsTable(host, s.ClientsTablePath())
	mutator := &awg.Mutator{
		Host:         host,
		ConfigPath:   s.ServerConfigPath(),
		Interface:    s.Daemon.Interface,
		PresharedKey: s.Server.PresharedKey,
		Clients:      clients,
		Log:          log.With().Str("component", "mutator").Logger(),
	}
	prov := &provision.Provisioner{
		Records:  records,
		Keys:     keys,
		Alloc:    &ipam.Allocator{Pool: pool, Source: mutator},
		Daemon:   mutator,
		Settings: s,
		Log:      log.With().Str("component", "provision").Logger(),
	}
	rec := &reconciler.Reconciler{
		Records:  records,
		Runtime:  lister,
		Metadata: clients,
		Daemon:   mutator,
		Options: reconciler.Options{
			Interval:     s.Sync.Interval,
			RestoreDelay: s.Sync.RestoreDelay,
			AdoptOrphans: s.Sync.AdoptOrphans,
			Devices:      s.Clients.Devices,
			LeaderKey:    s.Sync.LeaderKey,
			Guard:        prov.Guard(),
		},
		Log: log.With().Str("component", "reconciler").Logger(),
	}
	if l, ok := records.(store.Locker); ok && s.Store.Backend == "consul" {
		rec.Options.Locker = l
	}

	return &App{
		Settings:    s,
		Records:     records,
		Host:        host,
		Mutator:     mutator,
		Clients:     clients,
		Provisioner: prov,
		Reconciler:  rec,
		Admin: &admin.Service{
			Records:  records,
			Daemon:   mutator,
			Metadata: clients,
			Devices:  s.Clients.Devices,
			Log:      log.With().Str("component", "admin").Logger(),
		},
	}, nil
}

// Users returns the account store when the backend has one.
func (a *App) Users() store.UserStore {
	u, _ := a.Records.(store.UserStore)
	return u
}

func (a *App) Close() error {
	a.Reconciler.Stop()
	return a.Records.Close()
}

// Sync runs a single reconciliation pass.
func (a *App) Sync(ctx context.Context) reconciler.Report {
	return a.Reconciler.Pass(ctx)
}
