package repos

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/dcmirror/dcmirror/internal/db/models"
)

// PluginRepository provides access to plugin and plugin-version database
// operations. All writes are idempotent upserts keyed on natural identity.
type PluginRepository struct {
	db *gorm.DB
}

// NewPluginRepository creates a new plugin repository instance
func NewPluginRepository(db *gorm.DB) *PluginRepository {
	return &PluginRepository{db: db}
}

// Upsert creates or refreshes a plugin row keyed on (addon_key, product_type)
// and returns the persisted row.
func (r *PluginRepository) Upsert(ctx context.Context, plugin *models.Plugin) (*models.Plugin, error) {
	if err := plugin.Validate(); err != nil {
		return nil, err
	}

	var existing models.Plugin
	err := r.db.WithContext(ctx).
		Where(&models.Plugin{AddonKey: plugin.AddonKey, ProductType: plugin.ProductType}).
		First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if createErr := r.db.WithContext(ctx).Create(plugin).Error; createErr != nil {
			return nil, fmt.Errorf("failed to create plugin %s: %w", plugin.AddonKey, createErr)
		}
		return plugin, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up plugin %s: %w", plugin.AddonKey, err)
	}

	updates := map[string]interface{}{
		"name":            plugin.Name,
		"vendor":          plugin.Vendor,
		"summary":         plugin.Summary,
		"marketplace_url": plugin.MarketplaceURL,
		"app_id":          plugin.AppID,
	}
	if plugin.BatchNumber != nil {
		updates["batch_number"] = *plugin.BatchNumber
	}
	if err := r.db.WithContext(ctx).Model(&existing).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to update plugin %s: %w", plugin.AddonKey, err)
	}
	return &existing, nil
}

// UpsertVersion creates or refreshes a version row keyed on (plugin_id, version)
func (r *PluginRepository) UpsertVersion(ctx context.Context, version *models.PluginVersion) error {
	var existing models.PluginVersion
	err := r.db.WithContext(ctx).
		Where("plugin_id = ? AND version = ?", version.PluginID, version.Version).
		First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if createErr := r.db.WithContext(ctx).Create(version).Error; createErr != nil {
			return fmt.Errorf("failed to create version %s: %w", version.Version, createErr)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up version %s: %w", version.Version, err)
	}

	return r.db.WithContext(ctx).Model(&existing).Updates(map[string]interface{}{
		"release_date":           version.ReleaseDate,
		"product_version_min":    version.ProductVersionMin,
		"product_version_max":    version.ProductVersionMax,
		"data_center_compatible": version.DataCenterCompatible,
		"download_url":           version.DownloadURL,
		"changelog":              version.Changelog,
		"changelog_url":          version.ChangelogURL,
		"release_notes":          version.ReleaseNotes,
		"hidden":                 version.Hidden,
		"deprecated":             version.Deprecated,
	}).Error
}

// GetByKey retrieves a plugin by its addon key and product family, or nil
// when it does not exist. The condition is spelled out column by column so an
// empty key matches nothing instead of being dropped from the filter.
func (r *PluginRepository) GetByKey(ctx context.Context, addonKey string, product models.ProductType) (*models.Plugin, error) {
	var plugin models.Plugin
	err := r.db.WithContext(ctx).
		Where("addon_key = ? AND product_type = ?", addonKey, product).
		First(&plugin).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plugin %s: %w", addonKey, err)
	}
	return &plugin, nil
}

// List returns plugins for a product family with pagination
func (r *PluginRepository) List(ctx context.Context, product models.ProductType, opts *models.ListOptions) ([]models.Plugin, error) {
	var plugins []models.Plugin
	limit := models.DefaultLimit
	offset := 0
	if opts != nil {
		if opts.Limit > 0 {
			limit = opts.Limit
		}
		offset = opts.Offset
	}
	err := r.db.WithContext(ctx).
		Where(&models.Plugin{ProductType: product}).
		Order("addon_key ASC").
		Limit(limit).Offset(offset).
		Find(&plugins).Error
	return plugins, err
}

// Count returns the number of plugins for a product family
func (r *PluginRepository) Count(ctx context.Context, product models.ProductType) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Plugin{}).
		Where(&models.Plugin{ProductType: product}).
		Count(&count).Error
	return count, err
}

// ListWithDownloadableVersions returns plugins of a product family together
// with their Data-Center-compatible versions sorted newest release first.
// Hidden and deprecated versions are included; the latest-version selection
// filters them, the all-versions stage mirrors everything. A non-nil batch
// restricts the result to plugins ingested in that coordinator batch.
func (r *PluginRepository) ListWithDownloadableVersions(ctx context.Context, product models.ProductType, batch *int) ([]models.Plugin, error) {
	var plugins []models.Plugin
	q := r.db.WithContext(ctx).
		Where(&models.Plugin{ProductType: product}).
		Preload("Versions", func(db *gorm.DB) *gorm.DB {
			return db.Where("data_center_compatible = ?", true).
				Order("release_date DESC")
		})
	if batch != nil {
		q = q.Where("batch_number = ?", *batch)
	}
	err := q.Order("addon_key ASC").Find(&plugins).Error
	return plugins, err
}

// VersionsByPlugin returns a plugin's versions sorted newest release first
func (r *PluginRepository) VersionsByPlugin(ctx context.Context, pluginID uint) ([]models.PluginVersion, error) {
	var versions []models.PluginVersion
	err := r.db.WithContext(ctx).
		Where("plugin_id = ?", pluginID).
		Order("release_date DESC").
		Find(&versions).Error
	return versions, err
}
