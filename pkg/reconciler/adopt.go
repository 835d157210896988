package reconciler

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"awg-keeper/pkg/awg"
	"awg-keeper/pkg/model"
	"awg-keeper/pkg/store"
	"awg-keeper/pkg/wireguard"
)

// Adopter turns daemon peers that have no record into records, using the
// client list name <handle>_<device> to find the owner and the daemon config
// for the address. Adopted records carry model.NoPrivateKey.
type Adopter struct {
	Records store.RecordStore
	// Devices limits adoption to configured device classes. Empty allows any.
	Devices []string
	// Skip drops peers by client list name before any lookup.
	Skip func(name string) bool
	Log  zerolog.Logger
}

// AdoptResult counts what one adoption run did.
type AdoptResult struct {
	Adopted int
	Skipped int
	Errors  []string
}

// SkipAdmin matches the operator's own peers, which are never adopted.
func SkipAdmin(name string) bool {
	return strings.Contains(strings.ToLower(name), "admin")
}

// SplitName splits a client list name into handle and device at the last
// underscore. A name without one is treated as a phone.
func SplitName(name string) (string, model.DeviceClass) {
	i := strings.LastIndex(name, "_")
	if i <= 0 || i == len(name)-1 {
		return name, model.DevicePhone
	}
	return name[:i], model.DeviceClass(name[i+1:])
}

// Adopt considers every key in candidates that has no record.
func (a *Adopter) Adopt(ctx context.Context, candidates []string, table awg.Table, confText string) AdoptResult {
	var res AdoptResult
	for _, key := range candidates {
		if ctx.Err() != nil {
			res.Errors = append(res.Errors, ctx.Err().Error())
			return res
		}
		if _, ok, err := a.Records.FindPeerByKey(ctx, key); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("lookup %s: %v", short(key), err))
			continue
		} else if ok {
			continue
		}
		adopted, err := a.adoptOne(ctx, key, table, confText)
		switch {
		case err != nil:
			res.Errors = append(res.Errors, err.Error())
		case adopted:
			res.Adopted++
		default:
			res.Skipped++
		}
	}
	return res
}

func (a *Adopter) adoptOne(ctx context.Context, key string, table awg.Table, confText string) (bool, error) {
	entry, ok := table.Get(key)
	if !ok || entry.ClientName == "" {
		a.Log.Debug().Str("peer", short(key)).Msg("no client list name, not adopted")
		return false, nil
	}
	name := entry.ClientName
	if a.Skip != nil && a.Skip(name) {
		a.Log.Info().Str("peer", name).Msg("skipping operator peer")
		return false, nil
	}
	handle, device := SplitName(name)
	if !a.deviceAllowed(device) {
		a.Log.Warn().Str("peer", name).Msg("unknown device class, not adopted")
		return false, nil
	}
	owner, found, err := a.findOwner(ctx, handle)
	if err != nil {
		return false, fmt.Errorf("lookup owner %s: %w", handle, err)
	}
	if !found {
		a.Log.Warn().Str("peer", name).Str("handle", handle).Msg("owner not found, not adopted")
		return false, nil
	}
	addr, ok := wireguard.PeerAddress(confText, key)
	if !ok {
		a.Log.Warn().Str("peer", name).Msg("peer has no address in server config, not adopted")
		return false, nil
	}
	peer := model.ProvisionedPeer{
		OwnerID:    owner.ID,
		Device:     device,
		PublicKey:  key,
		PrivateKey: model.NoPrivateKey,
		Address:    addr.String(),
		Name:       model.PeerName(handle, device),
	}
	if err := a.Records.CreatePeer(ctx, &peer); err != nil {
		return false, fmt.Errorf("adopt %s: %w", name, err)
	}
	a.Log.Info().Str("peer", name).Str("addr", peer.Address).Msg("peer adopted")
	return true, nil
}

func (a *Adopter) deviceAllowed(d model.DeviceClass) bool {
	if len(a.Devices) == 0 {
		return d != ""
	}
	for _, known := range a.Devices {
		if known == string(d) {
			return true
		}
	}
	return false
}

func (a *Adopter) findOwner(ctx context.Context, handle string) (model.Owner, bool, error) {
	o, ok, err := a.Records.FindOwnerByUsername(ctx, handle)
	if err != nil || ok {
		return o, ok, err
	}
	if id, cut := strings.CutPrefix(handle, "user"); cut && id != "" {
		return a.Records.FindOwner(ctx, id)
	}
	return model.Owner{}, false, nil
}

func short(key string) string {
	if len(key) > 8 {
		return key[:8]
	}
	return key
}
