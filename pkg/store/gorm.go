package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"awg-keeper/pkg/db"
	"awg-keeper/pkg/model"
)

// GormStore keeps records in SQLite or MySQL through gorm.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(g *gorm.DB) *GormStore {
	return &GormStore{db: g}
}

// DB exposes the handle for callers that need raw access.
func (s *GormStore) DB() *gorm.DB { return s.db }

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "Duplicate entry")
}

func mapCreateErr(err error) error {
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func take[T any](q *gorm.DB) (T, bool, error) {
	var out T
	err := q.Take(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return out, false, nil
	}
	if err != nil {
		return out, false, err
	}
	return out, true, nil
}

func (s *GormStore) CreateOwner(ctx context.Context, o *model.Owner) error {
	return mapCreateErr(s.db.WithContext(ctx).Create(o).Error)
}

func (s *GormStore) FindOwner(ctx context.Context, externalID string) (model.Owner, bool, error) {
	return take[model.Owner](s.db.WithContext(ctx).Where("external_id = ?", externalID))
}

func (s *GormStore) FindOwnerByUsername(ctx context.Context, username string) (model.Owner, bool, error) {
	return take[model.Owner](s.db.WithContext(ctx).Where("username = ?", username).Order("id"))
}

func (s *GormStore) GetOwner(ctx context.Context, id uint) (model.Owner, bool, error) {
	return take[model.Owner](s.db.WithContext(ctx).Where("id = ?", id))
}

func (s *GormStore) ListOwners(ctx context.Context) ([]model.Owner, error) {
	var out []model.Owner
	err := s.db.WithContext(ctx).Order("id").Find(&out).Error
	return out, err
}

func (s *GormStore) DeleteOwner(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Delete(&model.Owner{}, id).Error
}

func (s *GormStore) CreatePeer(ctx context.Context, p *model.ProvisionedPeer) error {
	return mapCreateErr(s.db.WithContext(ctx).Create(p).Error)
}

func (s *GormStore) FindPeer(ctx context.Context, ownerID uint, device model.DeviceClass) (model.ProvisionedPeer, bool, error) {
	return take[model.ProvisionedPeer](s.db.WithContext(ctx).Where("owner_id = ? AND device = ?", ownerID, device))
}

func (s *GormStore) FindPeerByKey(ctx context.Context, publicKey string) (model.ProvisionedPeer, bool, error) {
	return take[model.ProvisionedPeer](s.db.WithContext(ctx).Where("public_key = ?", publicKey))
}

func (s *GormStore) GetPeer(ctx context.Context, id uint) (model.ProvisionedPeer, bool, error) {
	return take[model.ProvisionedPeer](s.db.WithContext(ctx).Where("id = ?", id))
}

func (s *GormStore) ListPeers(ctx context.Context) ([]model.ProvisionedPeer, error) {
	var out []model.ProvisionedPeer
	err := s.db.WithContext(ctx).Order("id").Find(&out).Error
	return out, err
}

func (s *GormStore) ListOwnerPeers(ctx context.Context, ownerID uint) ([]model.ProvisionedPeer, error) {
	var out []model.ProvisionedPeer
	err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("id").Find(&out).Error
	return out, err
}

func (s *GormStore) DeletePeer(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Delete(&model.ProvisionedPeer{}, id).Error
}

func (s *GormStore) LogRequest(ctx context.Context, r model.RequestLog) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	return s.db.WithContext(ctx).Create(&r).Error
}

func (s *GormStore) Stats(ctx context.Context) (model.Stats, error) {
	st := newStats()
	q := s.db.WithContext(ctx)
	if err := q.Model(&model.Owner{}).Count(&st.Owners).Error; err != nil {
		return st, err
	}
	if err := q.Model(&model.ProvisionedPeer{}).Count(&st.Peers).Error; err != nil {
		return st, err
	}
	if err := q.Model(&model.RequestLog{}).Count(&st.Requests).Error; err != nil {
		return st, err
	}
	var rows []struct {
		Device model.DeviceClass
		N      int64
	}
	if err := q.Model(&model.ProvisionedPeer{}).Select("device, count(*) AS n").Group("device").Scan(&rows).Error; err != nil {
		return st, err
	}
	for _, r := range rows {
		st.ByDevice[r.Device] = r.N
	}
	return st, nil
}

func (s *GormStore) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	return s.db.WithContext(ctx).Create(&e).Error
}

func (s *GormStore) ListAudit(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	var out []model.AuditEntry
	q := s.db.WithContext(ctx).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *GormStore) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.User{}).Count(&n).Error
	return n, err
}

func (s *GormStore) CreateUser(ctx context.Context, u *model.User) error {
	return mapCreateErr(s.db.WithContext(ctx).Create(u).Error)
}

func (s *GormStore) FindUser(ctx context.Context, username string) (model.User, bool, error) {
	return take[model.User](s.db.WithContext(ctx).Where("username = ?", username))
}

func (s *GormStore) Close() error {
	return db.Close(s.db)
}
