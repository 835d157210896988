package model

import (
	"net/netip"
	"time"
)

// DeviceClass is the kind of device a peer was issued for.
type DeviceClass string

const (
	DevicePhone  DeviceClass = "phone"
	DeviceLaptop DeviceClass = "laptop"
	DeviceRouter DeviceClass = "router"
)

// NoPrivateKey marks a peer adopted from the daemon whose private key was
// never known to this system. Such peers cannot produce a client config.
const NoPrivateKey = "IMPORTED_NO_PRIVATE_KEY"

// ProvisionedPeer is the durable record of one issued client config. An
// owner has at most one peer per device class.
type ProvisionedPeer struct {
	ID         uint        `gorm:"primaryKey" json:"id"`
	OwnerID    uint        `gorm:"uniqueIndex:idx_owner_device;not null" json:"ownerId"`
	Device     DeviceClass `gorm:"uniqueIndex:idx_owner_device;size:32;not null" json:"device"`
	PublicKey  string      `gorm:"uniqueIndex;size:64;not null" json:"publicKey"`
	PrivateKey string      `gorm:"size:64" json:"privateKey,omitempty"`
	Address    string      `gorm:"size:45" json:"address"`
	Name       string      `gorm:"size:128" json:"name"`
	CreatedAt  time.Time   `json:"createdAt"`
}

func (p ProvisionedPeer) HasPrivateKey() bool {
	return p.PrivateKey != "" && p.PrivateKey != NoPrivateKey
}

func (p ProvisionedPeer) Addr() (netip.Addr, error) {
	return netip.ParseAddr(p.Address)
}

// ConfigFileName is the file name the client config is delivered under.
func (p ProvisionedPeer) ConfigFileName() string {
	return p.Name + ".conf"
}

// PeerName builds the display name shared by the record, the client list
// and the config file: <handle>_<device>.
func PeerName(handle string, device DeviceClass) string {
	return handle + "_" + string(device)
}
