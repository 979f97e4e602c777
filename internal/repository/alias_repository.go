package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mailfold/mailfold-backend/internal/models"
	"gorm.io/gorm"
)

// AliasRepository defines data access for aliases. Reads exclude
// soft-deleted rows; expiry is the resolver's concern, not the store's.
type AliasRepository interface {
	Create(ctx context.Context, alias *models.Alias) error
	GetByLocalPart(ctx context.Context, domainID uint, localPart string) (*models.Alias, error)
	ListByDomain(ctx context.Context, domainID uint) ([]models.Alias, error)
	Update(ctx context.Context, alias *models.Alias) error
	SoftDelete(ctx context.Context, id uint) error
}

// aliasRepository implements AliasRepository using GORM
type aliasRepository struct {
	db *gorm.DB
}

// NewAliasRepository creates a new AliasRepository instance
func NewAliasRepository(db *gorm.DB) AliasRepository {
	return &aliasRepository{db: db}
}

// Create creates a new alias. (domain_id, local_part) must be unique
// among non-deleted aliases.
func (r *aliasRepository) Create(ctx context.Context, alias *models.Alias) error {
	alias.LocalPart = strings.ToLower(strings.TrimSpace(alias.LocalPart))

	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.Alias{}).
		Where("domain_id = ? AND local_part = ? AND is_deleted = ?", alias.DomainID, alias.LocalPart, false).
		Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check alias uniqueness: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("alias '%s' already exists for domain %d: %w", alias.LocalPart, alias.DomainID, ErrDuplicateEntry)
	}

	if result := r.db.WithContext(ctx).Create(alias); result.Error != nil {
		return fmt.Errorf("failed to create alias: %w", result.Error)
	}
	return nil
}

// GetByLocalPart retrieves a non-deleted alias by domain and local part
func (r *aliasRepository) GetByLocalPart(ctx context.Context, domainID uint, localPart string) (*models.Alias, error) {
	var alias models.Alias
	localPart = strings.ToLower(strings.TrimSpace(localPart))
	result := r.db.WithContext(ctx).
		Where("domain_id = ? AND local_part = ? AND is_deleted = ?", domainID, localPart, false).
		First(&alias)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get alias: %w", result.Error)
	}
	return &alias, nil
}

// ListByDomain retrieves all non-deleted aliases of a domain
func (r *aliasRepository) ListByDomain(ctx context.Context, domainID uint) ([]models.Alias, error) {
	var aliases []models.Alias
	result := r.db.WithContext(ctx).
		Where("domain_id = ? AND is_deleted = ?", domainID, false).
		Order("local_part ASC").
		Find(&aliases)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list aliases: %w", result.Error)
	}
	return aliases, nil
}

// Update updates an existing alias
func (r *aliasRepository) Update(ctx context.Context, alias *models.Alias) error {
	result := r.db.WithContext(ctx).Save(alias)
	if result.Error != nil {
		return fmt.Errorf("failed to update alias: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDelete marks an alias deleted
func (r *aliasRepository) SoftDelete(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).
		Model(&models.Alias{}).
		Where("id = ? AND is_deleted = ?", id, false).
		Update("is_deleted", true)
	if result.Error != nil {
		return fmt.Errorf("failed to delete alias: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
