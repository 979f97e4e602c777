package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mailfold/mailfold-backend/internal/models"
	"gorm.io/gorm"
)

// DomainRepository defines the read interface the forwarding core uses
// against the domain directory, plus the writes the admin collaborator
// and test fixtures need. All reads exclude soft-deleted rows.
type DomainRepository interface {
	Create(ctx context.Context, domain *models.Domain) error
	GetByID(ctx context.Context, id uint) (*models.Domain, error)
	GetByName(ctx context.Context, name string) (*models.Domain, error)
	ListBySuffix(ctx context.Context, suffix string) ([]models.Domain, error)
	Update(ctx context.Context, domain *models.Domain) error
	SoftDelete(ctx context.Context, id uint) error
}

// domainRepository implements DomainRepository using GORM
type domainRepository struct {
	db *gorm.DB
}

// NewDomainRepository creates a new DomainRepository instance
func NewDomainRepository(db *gorm.DB) DomainRepository {
	return &domainRepository{db: db}
}

// Create creates a new domain
func (r *domainRepository) Create(ctx context.Context, domain *models.Domain) error {
	domain.Name = strings.ToLower(strings.TrimSpace(domain.Name))
	result := r.db.WithContext(ctx).Create(domain)
	if result.Error != nil {
		if isDuplicateKeyError(result.Error) {
			return fmt.Errorf("domain with name '%s' already exists: %w", domain.Name, ErrDuplicateEntry)
		}
		return fmt.Errorf("failed to create domain: %w", result.Error)
	}
	return nil
}

// GetByID retrieves a non-deleted domain by its ID
func (r *domainRepository) GetByID(ctx context.Context, id uint) (*models.Domain, error) {
	var domain models.Domain
	result := r.db.WithContext(ctx).Where("is_deleted = ?", false).First(&domain, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get domain by ID: %w", result.Error)
	}
	return &domain, nil
}

// GetByName retrieves a non-deleted domain by its case-insensitive name
func (r *domainRepository) GetByName(ctx context.Context, name string) (*models.Domain, error) {
	var domain models.Domain
	name = strings.ToLower(strings.TrimSpace(name))
	result := r.db.WithContext(ctx).
		Where("name = ? AND is_deleted = ?", name, false).
		First(&domain)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get domain by name: %w", result.Error)
	}
	return &domain, nil
}

// ListBySuffix retrieves all non-deleted domains whose name ends with
// ".<suffix>", ordered lexicographically by name so suffix-fallback
// resolution scans candidates in a deterministic order.
func (r *domainRepository) ListBySuffix(ctx context.Context, suffix string) ([]models.Domain, error) {
	var domains []models.Domain
	suffix = strings.ToLower(strings.TrimSpace(suffix))
	if suffix == "" {
		return nil, fmt.Errorf("suffix cannot be empty: %w", ErrInvalidInput)
	}
	result := r.db.WithContext(ctx).
		Where("name LIKE ? AND is_deleted = ?", "%."+suffix, false).
		Order("name ASC").
		Find(&domains)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list domains by suffix: %w", result.Error)
	}
	return domains, nil
}

// Update updates an existing domain
func (r *domainRepository) Update(ctx context.Context, domain *models.Domain) error {
	result := r.db.WithContext(ctx).Save(domain)
	if result.Error != nil {
		if isDuplicateKeyError(result.Error) {
			return fmt.Errorf("domain with name '%s' already exists: %w", domain.Name, ErrDuplicateEntry)
		}
		return fmt.Errorf("failed to update domain: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDelete marks a domain deleted. Rows are never physically removed
// while aliases still reference them.
func (r *domainRepository) SoftDelete(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).
		Model(&models.Domain{}).
		Where("id = ? AND is_deleted = ?", id, false).
		Update("is_deleted", true)
	if result.Error != nil {
		return fmt.Errorf("failed to delete domain: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
