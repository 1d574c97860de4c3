package kgorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getkayan/userkey/core/domain"
	"github.com/getkayan/userkey/core/identity"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var _ domain.Storage = (*Repository)(nil)

type Repository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

func (r *Repository) DB() *gorm.DB {
	return r.db
}

func init() {
	Register("sqlite", sqlite.Open)
	Register("postgres", postgres.Open)
	Register("mysql", mysql.Open)
}

func (r *Repository) AutoMigrate(models ...any) error {
	baseModels := []any{
		&gormUser{},
		&gormUserKey{},
		&gormSession{},
		&gormSetting{},
		&gormAuditEvent{},
	}
	return r.db.AutoMigrate(append(baseModels, models...)...)
}

// Ping checks the underlying connection pool.
func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ---- Users ----

// CreateUser inserts a platform user. The service never creates users on its
// own; this exists for seeding and tests.
func (r *Repository) CreateUser(ctx context.Context, u *identity.User) error {
	return r.db.WithContext(ctx).Create(fromCoreUser(u)).Error
}

func (r *Repository) GetUser(ctx context.Context, id string) (*identity.User, error) {
	var gu gormUser
	if err := r.db.WithContext(ctx).First(&gu, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrUserNotFound
		}
		return nil, err
	}
	return toCoreUser(&gu), nil
}

func (r *Repository) FindUsers(ctx context.Context, field, value, realm string) ([]*identity.User, error) {
	column, ok := userColumns[field]
	if !ok {
		return nil, fmt.Errorf("kgorm: unsupported user field %q", field)
	}

	var rows []gormUser
	err := r.db.WithContext(ctx).
		Where(column+" = ?", value).
		Where("realm = ? AND deleted = ?", realm, false).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	users := make([]*identity.User, 0, len(rows))
	for i := range rows {
		users = append(users, toCoreUser(&rows[i]))
	}
	return users, nil
}

func (r *Repository) TouchLastLogin(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&gormUser{}).
		Where("id = ?", id).
		Update("last_login", r.now()).Error
}
