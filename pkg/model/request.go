package model

import "time"

const (
	ActionNewConfig      = "new_config"
	ActionExistingConfig = "existing_config"
)

// RequestLog records one provisioning request.
type RequestLog struct {
	ID        uint        `gorm:"primaryKey" json:"id"`
	OwnerID   uint        `gorm:"index" json:"ownerId"`
	Device    DeviceClass `gorm:"size:32" json:"device"`
	Action    string      `gorm:"size:32" json:"action"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Stats summarises the record store.
type Stats struct {
	Owners   int64                 `json:"owners"`
	Peers    int64                 `json:"peers"`
	Requests int64                 `json:"requests"`
	ByDevice map[DeviceClass]int64 `json:"byDevice"`
}

// AuditEntry captures an administrative change made through the API or CLI.
type AuditEntry struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Actor     string    `gorm:"size:64" json:"actor"`
	Action    string    `gorm:"size:64" json:"action"`
	Target    string    `gorm:"size:128" json:"target"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `gorm:"index" json:"timestamp"`
}
