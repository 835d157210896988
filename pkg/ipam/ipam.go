// Package ipam hands out client tunnel addresses from a fixed IPv4 pool.
package ipam

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"awg-keeper/pkg/wireguard"
)

// ErrPoolExhausted is returned when every address from the pool start up to
// the last host address is taken.
var ErrPoolExhausted = errors.New("address pool exhausted")

// Pool is a client network and the first address that may be assigned.
// Addresses below Start are reserved for the server and static hosts.
type Pool struct {
	Network netip.Prefix
	Start   netip.Addr
}

// ParsePool validates network and start.
func ParsePool(network, start string) (Pool, error) {
	prefix, err := netip.ParsePrefix(network)
	if err != nil {
		return Pool{}, fmt.Errorf("client network: %w", err)
	}
	prefix = prefix.Masked()
	if !prefix.Addr().Is4() {
		return Pool{}, fmt.Errorf("client network %s is not IPv4", prefix)
	}
	addr, err := netip.ParseAddr(start)
	if err != nil {
		return Pool{}, fmt.Errorf("pool start: %w", err)
	}
	if !prefix.Contains(addr) {
		return Pool{}, fmt.Errorf("pool start %s is outside %s", addr, prefix)
	}
	return Pool{Network: prefix, Start: addr}, nil
}

// Last is the highest assignable address: the one before broadcast.
func (p Pool) Last() netip.Addr {
	a := p.Network.Addr().As4()
	hostBits := 32 - p.Network.Bits()
	v := uint32(a[0])<<24 | uint32(a[1])<<16 | uint32(a[2])<<8 | uint32(a[3])
	if hostBits > 0 {
		v |= (uint32(1) << hostBits) - 1
	}
	if hostBits > 1 {
		v--
	}
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

// Size is the number of assignable addresses from Start to Last inclusive.
func (p Pool) Size() int {
	n := 0
	for a := p.Start; a.IsValid() && a.Compare(p.Last()) <= 0; a = a.Next() {
		n++
	}
	return n
}

// ConfigSource yields the current server config text.
type ConfigSource interface {
	ReadConfig(ctx context.Context) (string, error)
}

// Lease is an allocation result. Degraded is set when the server config
// could not be read; the address then only avoids the reserved ones.
type Lease struct {
	Addr     netip.Addr
	Degraded bool
}

// Allocator picks the lowest free address of a pool. It does not reserve
// anything: callers serialize allocation with registration.
type Allocator struct {
	Pool   Pool
	Source ConfigSource
}

// Next returns the lowest address at or above Pool.Start that is neither
// granted to a peer in the server config nor listed in reserved.
func (a *Allocator) Next(ctx context.Context, reserved ...netip.Addr) (Lease, error) {
	used := make(map[netip.Addr]struct{})
	for _, addr := range reserved {
		used[addr] = struct{}{}
	}
	text, err := a.Source.ReadConfig(ctx)
	if err != nil {
		// Only the reserved addresses are known.
		lease, ok := a.first(used)
		if !ok {
			return Lease{}, ErrPoolExhausted
		}
		lease.Degraded = true
		return lease, nil
	}
	for _, addr := range wireguard.UsedAddresses(text) {
		used[addr] = struct{}{}
	}
	lease, ok := a.first(used)
	if !ok {
		return Lease{}, ErrPoolExhausted
	}
	return lease, nil
}

func (a *Allocator) first(used map[netip.Addr]struct{}) (Lease, bool) {
	last := a.Pool.Last()
	for addr := a.Pool.Start; addr.IsValid() && addr.Compare(last) <= 0; addr = addr.Next() {
		if _, taken := used[addr]; !taken {
			return Lease{Addr: addr}, true
		}
	}
	return Lease{}, false
}
