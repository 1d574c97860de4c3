package kgorm

import (
	"context"
	"errors"
	"time"

	"github.com/getkayan/userkey/core/domain"
	"gorm.io/gorm"
)

func (r *Repository) CreateKey(ctx context.Context, key *domain.UserKey) error {
	row := fromCoreUserKey(key)
	if row.CreatedAt.IsZero() {
		row.CreatedAt = r.now()
	}
	err := r.db.WithContext(ctx).Create(row).Error
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return domain.ErrKeyExists
	}

	// Not every dialect translates unique violations.
	var n int64
	if r.db.WithContext(ctx).Model(&gormUserKey{}).
		Where("script = ? AND value = ?", key.Script, key.Value).
		Count(&n).Error == nil && n > 0 {
		return domain.ErrKeyExists
	}
	return err
}

// ConsumeKey reads the key and then deletes it by primary key. Only the
// caller whose delete affected the row owns the key.
func (r *Repository) ConsumeKey(ctx context.Context, script, value string) (*domain.UserKey, error) {
	db := r.db.WithContext(ctx)

	var row gormUserKey
	if err := db.Where("script = ? AND value = ?", script, value).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrKeyNotFound
		}
		return nil, err
	}

	res := db.Where("id = ?", row.ID).Delete(&gormUserKey{})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected != 1 {
		return nil, domain.ErrKeyNotFound
	}
	return toCoreUserKey(&row), nil
}

func (r *Repository) DeleteUserKeys(ctx context.Context, script, userID string) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("script = ? AND user_id = ?", script, userID).
		Delete(&gormUserKey{})
	return res.RowsAffected, res.Error
}

func (r *Repository) DeleteExpiredKeys(ctx context.Context, script string, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("script = ? AND valid_until IS NOT NULL AND valid_until < ?", script, before).
		Delete(&gormUserKey{})
	return res.RowsAffected, res.Error
}

// CountKeys counts the outstanding keys of script, for one user or for
// everyone when userID is empty.
func (r *Repository) CountKeys(ctx context.Context, script, userID string) (int64, error) {
	q := r.db.WithContext(ctx).Model(&gormUserKey{}).Where("script = ?", script)
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	var n int64
	err := q.Count(&n).Error
	return n, err
}
