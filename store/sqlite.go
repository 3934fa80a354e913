package store

import (
	"context"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tweag/update-launcher/api"
	"github.com/tweag/update-launcher/integrity"
	"github.com/tweag/update-launcher/internal/logging"
)

var logger = logging.Child("store")

type updateRow struct {
	ID             string `gorm:"primaryKey;type:varchar(36)"`
	ScopeKey       string `gorm:"type:varchar(255);not null;index"`
	CommitTime     time.Time
	RuntimeVersion string `gorm:"type:varchar(255);not null"`
	Status         string `gorm:"type:varchar(16);not null"`
	Metadata       datatypes.JSONType[map[string]string]
	LastAccessed   time.Time
	Assets         []assetRow `gorm:"foreignKey:UpdateID;constraint:OnDelete:CASCADE"`
}

func (updateRow) TableName() string { return "updates" }

type assetRow struct {
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	UpdateID      string `gorm:"type:varchar(36);not null;index;uniqueIndex:idx_asset_update_key"`
	Key           string `gorm:"type:text;not null;uniqueIndex:idx_asset_update_key"`
	Type          string `gorm:"type:varchar(255)"`
	Hash          string `gorm:"type:varchar(128);index"`
	URL           string `gorm:"type:text"`
	RelativePath  string `gorm:"type:text"`
	IsLaunchAsset bool
}

func (assetRow) TableName() string { return "assets" }

// SQLite is an UpdateStore backed by an embedded SQLite database.
type SQLite struct {
	db    *gorm.DB
	clock clock.Clock
}

// Open opens (and migrates) the database at path.
// Use ":memory:" for a throwaway database.
func Open(path string, clk clock.Clock) (*SQLite, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.Annotatef(err, "opening update database %q", path)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Trace(err)
	}
	// A single connection serializes writers and keeps ":memory:" databases alive.
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&updateRow{}, &assetRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Annotate(err, "migrating update database")
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &SQLite{db: db, clock: clk}, nil
}

func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Trace(err)
	}
	return sqlDB.Close()
}

func (s *SQLite) LoadLaunchableUpdatesForScope(ctx context.Context, scopeKey string) ([]api.UpdateRecord, error) {
	var rows []updateRow
	err := s.db.WithContext(ctx).
		Where("scope_key = ? AND status IN ?", scopeKey, []string{
			string(api.StatusEmbedded), string(api.StatusReady), string(api.StatusDevelopment),
		}).
		Find(&rows).Error
	if err != nil {
		return nil, errors.Annotatef(err, "loading launchable updates for scope %q", scopeKey)
	}
	return updatesFromRows(rows)
}

func (s *SQLite) LoadUpdatesForScope(ctx context.Context, scopeKey string) ([]api.UpdateRecord, error) {
	var rows []updateRow
	err := s.db.WithContext(ctx).
		Where("scope_key = ?", scopeKey).
		Order("commit_time DESC").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Annotatef(err, "loading updates for scope %q", scopeKey)
	}
	return updatesFromRows(rows)
}

func (s *SQLite) LoadUpdate(ctx context.Context, updateID uuid.UUID) (api.UpdateRecord, error) {
	var row updateRow
	err := s.db.WithContext(ctx).Where("id = ?", updateID.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return api.UpdateRecord{}, errors.NotFoundf("update %s", updateID)
	} else if err != nil {
		return api.UpdateRecord{}, errors.Annotatef(err, "loading update %s", updateID)
	}
	return updateFromRow(row)
}

func (s *SQLite) LoadLaunchAsset(ctx context.Context, updateID uuid.UUID) (api.AssetRecord, error) {
	var row assetRow
	err := s.db.WithContext(ctx).
		Where("update_id = ? AND is_launch_asset = ?", updateID.String(), true).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return api.AssetRecord{}, errors.NotFoundf("launch asset of update %s", updateID)
	} else if err != nil {
		return api.AssetRecord{}, errors.Annotatef(err, "loading launch asset of update %s", updateID)
	}
	return assetFromRow(row)
}

func (s *SQLite) LoadAssetsForUpdate(ctx context.Context, updateID uuid.UUID) ([]api.AssetRecord, error) {
	var rows []assetRow
	err := s.db.WithContext(ctx).
		Where("update_id = ?", updateID.String()).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Annotatef(err, "loading assets of update %s", updateID)
	}
	assets := make([]api.AssetRecord, 0, len(rows))
	for _, row := range rows {
		asset, err := assetFromRow(row)
		if err != nil {
			return nil, err
		}
		assets = append(assets, asset)
	}
	return assets, nil
}

func (s *SQLite) MarkUpdateAccessed(ctx context.Context, updateID uuid.UUID) error {
	result := s.db.WithContext(ctx).
		Model(&updateRow{}).
		Where("id = ?", updateID.String()).
		Update("last_accessed", s.clock.Now().UTC())
	if result.Error != nil {
		return errors.Annotatef(result.Error, "marking update %s accessed", updateID)
	}
	if result.RowsAffected == 0 {
		return errors.NotFoundf("update %s", updateID)
	}
	return nil
}

func (s *SQLite) UpdateAsset(ctx context.Context, asset api.AssetRecord) error {
	result := s.db.WithContext(ctx).
		Model(&assetRow{}).
		Where("id = ?", asset.ID).
		Updates(map[string]any{
			"relative_path": asset.RelativePath,
			"url":           asset.URL,
			"type":          asset.Type,
		})
	if result.Error != nil {
		return errors.Annotatef(result.Error, "updating asset %q", asset.Key)
	}
	if result.RowsAffected == 0 {
		return errors.NotFoundf("asset %d (%q)", asset.ID, asset.Key)
	}
	logger.Debugf("asset %q of update %s now at %q", asset.Key, asset.UpdateID, asset.RelativePath)
	return nil
}

// InsertUpdate adds an update and its assets in one transaction.
// Asset ids are assigned by the database.
func (s *SQLite) InsertUpdate(ctx context.Context, update api.UpdateRecord, assets []api.AssetRecord) error {
	if update.ID == uuid.Nil {
		return errors.NotValidf("nil update id")
	}
	if !update.Status.Valid() {
		return errors.NotValidf("update status %q", update.Status)
	}
	if err := ValidateAssets(update, assets); err != nil {
		return err
	}
	row := updateRow{
		ID:             update.ID.String(),
		ScopeKey:       update.ScopeKey,
		CommitTime:     update.CommitTime.UTC(),
		RuntimeVersion: update.RuntimeVersion,
		Status:         string(update.Status),
		Metadata:       datatypes.NewJSONType(update.Metadata),
		LastAccessed:   update.LastAccessed.UTC(),
	}
	for _, asset := range assets {
		row.Assets = append(row.Assets, assetRow{
			UpdateID:      row.ID,
			Key:           asset.Key,
			Type:          asset.Type,
			Hash:          hashColumn(asset.Hash),
			URL:           asset.URL,
			RelativePath:  asset.RelativePath,
			IsLaunchAsset: asset.IsLaunchAsset,
		})
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&updateRow{}).Where("id = ?", row.ID).Count(&existing).Error; err != nil {
			return errors.Trace(err)
		}
		if existing > 0 {
			return errors.AlreadyExistsf("update %s", update.ID)
		}
		if err := tx.Create(&row).Error; err != nil {
			return errors.Annotatef(err, "inserting update %s", update.ID)
		}
		return nil
	})
}

// SetUpdateStatus changes the status of an update. Regressions are refused.
func (s *SQLite) SetUpdateStatus(ctx context.Context, updateID uuid.UUID, status api.UpdateStatus) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row updateRow
		err := tx.Where("id = ?", updateID.String()).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errors.NotFoundf("update %s", updateID)
		} else if err != nil {
			return errors.Trace(err)
		}
		if err := CheckStatusTransition(api.UpdateStatus(row.Status), status); err != nil {
			return errors.Annotatef(err, "update %s", updateID)
		}
		return errors.Trace(tx.Model(&updateRow{}).Where("id = ?", row.ID).Update("status", string(status)).Error)
	})
}

func hashColumn(hash integrity.Checksum) string {
	if hash.Empty() {
		return ""
	}
	return hash.ToSRI()
}

func updatesFromRows(rows []updateRow) ([]api.UpdateRecord, error) {
	updates := make([]api.UpdateRecord, 0, len(rows))
	for _, row := range rows {
		update, err := updateFromRow(row)
		if err != nil {
			return nil, err
		}
		updates = append(updates, update)
	}
	return updates, nil
}

func updateFromRow(row updateRow) (api.UpdateRecord, error) {
	id, err := uuid.Parse(row.ID)
	if err != nil {
		return api.UpdateRecord{}, errors.Annotatef(err, "corrupt update id %q", row.ID)
	}
	return api.UpdateRecord{
		ID:             id,
		ScopeKey:       row.ScopeKey,
		CommitTime:     row.CommitTime,
		RuntimeVersion: row.RuntimeVersion,
		Status:         api.UpdateStatus(row.Status),
		Metadata:       row.Metadata.Data(),
		LastAccessed:   row.LastAccessed,
	}, nil
}

func assetFromRow(row assetRow) (api.AssetRecord, error) {
	updateID, err := uuid.Parse(row.UpdateID)
	if err != nil {
		return api.AssetRecord{}, errors.Annotatef(err, "corrupt update id %q of asset %d", row.UpdateID, row.ID)
	}
	var hash integrity.Checksum
	if row.Hash != "" {
		hash, err = integrity.ChecksumFromSRI(row.Hash)
		if err != nil {
			return api.AssetRecord{}, errors.Annotatef(err, "corrupt hash of asset %d", row.ID)
		}
	}
	return api.AssetRecord{
		ID:            row.ID,
		UpdateID:      updateID,
		Key:           row.Key,
		Type:          row.Type,
		Hash:          hash,
		URL:           row.URL,
		RelativePath:  row.RelativePath,
		IsLaunchAsset: row.IsLaunchAsset,
	}, nil
}
