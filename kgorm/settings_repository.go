package kgorm

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (r *Repository) LoadSettings(ctx context.Context, plugin string) (map[string]string, error) {
	var rows []gormSetting
	if err := r.db.WithContext(ctx).Where("plugin = ?", plugin).Find(&rows).Error; err != nil {
		return nil, err
	}
	values := make(map[string]string, len(rows))
	for _, row := range rows {
		values[row.Name] = row.Value
	}
	return values, nil
}

// SaveSettings upserts values in one transaction.
func (r *Repository) SaveSettings(ctx context.Context, plugin string, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	rows := make([]gormSetting, 0, len(values))
	for name, value := range values {
		rows = append(rows, gormSetting{Plugin: plugin, Name: name, Value: value})
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "plugin"}, {Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"value"}),
		}).Create(&rows).Error
	})
}
