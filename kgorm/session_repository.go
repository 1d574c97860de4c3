package kgorm

import (
	"context"
	"errors"
	"time"

	"github.com/getkayan/userkey/core/domain"
	"github.com/getkayan/userkey/core/identity"
	"gorm.io/gorm"
)

func (r *Repository) SaveSession(ctx context.Context, s *identity.Session) error {
	return r.db.WithContext(ctx).Save(fromCoreSession(s)).Error
}

func (r *Repository) GetSession(ctx context.Context, id string) (*identity.Session, error) {
	var gs gormSession
	if err := r.db.WithContext(ctx).First(&gs, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, err
	}
	return toCoreSession(&gs), nil
}

func (r *Repository) DeleteSession(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Delete(&gormSession{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

// DeleteExpiredSessions removes sessions that expired before the given time.
func (r *Repository) DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("expires_at < ?", before).Delete(&gormSession{})
	return res.RowsAffected, res.Error
}
