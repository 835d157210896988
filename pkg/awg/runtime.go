package awg

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl"
)

// PeerSet is a set of peer public keys.
type PeerSet map[string]struct{}

func NewPeerSet(keys ...string) PeerSet {
	s := make(PeerSet, len(keys))
	for _, k := range keys {
		s.Add(k)
	}
	return s
}

func (s PeerSet) Add(key string) {
	if key != "" {
		s[key] = struct{}{}
	}
}

func (s PeerSet) Has(key string) bool {
	_, ok := s[key]
	return ok
}

func (s PeerSet) Len() int { return len(s) }

// Keys returns the members in sorted order.
func (s PeerSet) Keys() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// PeerLister reads the daemon's live peer table.
type PeerLister interface {
	ListPeers(ctx context.Context) (PeerSet, error)
}

// CommandLister lists peers with `wg show <iface> peers`.
type CommandLister struct {
	Host      Host
	Interface string
}

func (l *CommandLister) ListPeers(ctx context.Context) (PeerSet, error) {
	res := l.Host.Run(ctx, fmt.Sprintf("wg show %s peers", l.Interface))
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("list runtime peers: %w", err)
	}
	return NewPeerSet(strings.Fields(res.Stdout)...), nil
}

// NetlinkLister reads a local interface directly through wgctrl.
type NetlinkLister struct {
	Interface string
}

func (l *NetlinkLister) ListPeers(_ context.Context) (PeerSet, error) {
	c, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("open wgctrl: %w", err)
	}
	defer c.Close()
	dev, err := c.Device(l.Interface)
	if err != nil {
		return nil, fmt.Errorf("read device %s: %w", l.Interface, err)
	}
	set := make(PeerSet, len(dev.Peers))
	for _, p := range dev.Peers {
		set.Add(p.PublicKey.String())
	}
	return set, nil
}
