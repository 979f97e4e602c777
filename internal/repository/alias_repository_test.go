package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mailfold/mailfold-backend/internal/models"
)

// AliasRepositoryTestSuite is the test suite for AliasRepository
type AliasRepositoryTestSuite struct {
	suite.Suite
	db     *gorm.DB
	repo   AliasRepository
	domain *models.Domain
}

// SetupSuite runs once before all tests
func (s *AliasRepositoryTestSuite) SetupSuite() {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(s.T(), err)

	db.Exec("PRAGMA foreign_keys = ON")

	err = db.AutoMigrate(&models.Domain{}, &models.Alias{})
	require.NoError(s.T(), err)

	s.db = db
	s.repo = NewAliasRepository(db)
}

// TearDownSuite runs once after all tests
func (s *AliasRepositoryTestSuite) TearDownSuite() {
	sqlDB, _ := s.db.DB()
	if sqlDB != nil {
		sqlDB.Close()
	}
}

// SetupTest runs before each test - clean up data and seed a domain
func (s *AliasRepositoryTestSuite) SetupTest() {
	s.db.Exec("DELETE FROM aliases")
	s.db.Exec("DELETE FROM domains")

	s.domain = &models.Domain{Name: "example.com"}
	require.NoError(s.T(), s.db.Create(s.domain).Error)
}

// TestAliasRepositoryTestSuite runs the test suite
func TestAliasRepositoryTestSuite(t *testing.T) {
	suite.Run(t, new(AliasRepositoryTestSuite))
}

func (s *AliasRepositoryTestSuite) TestCreate_Success() {
	// Arrange
	alias := &models.Alias{DomainID: s.domain.ID, LocalPart: "sales", Targets: "a@corp.test,b@corp.test"}

	// Act
	err := s.repo.Create(context.Background(), alias)

	// Assert
	assert.NoError(s.T(), err)
	assert.NotZero(s.T(), alias.ID)
}

func (s *AliasRepositoryTestSuite) TestCreate_NormalizesLocalPart() {
	// Arrange
	alias := &models.Alias{DomainID: s.domain.ID, LocalPart: "  Sales  ", Targets: "a@corp.test"}

	// Act
	err := s.repo.Create(context.Background(), alias)

	// Assert
	assert.NoError(s.T(), err)
	assert.Equal(s.T(), "sales", alias.LocalPart)
}

func (s *AliasRepositoryTestSuite) TestCreate_DuplicateWithinDomain() {
	// Arrange
	require.NoError(s.T(), s.repo.Create(context.Background(), &models.Alias{DomainID: s.domain.ID, LocalPart: "sales", Targets: "a@corp.test"}))

	// Act
	err := s.repo.Create(context.Background(), &models.Alias{DomainID: s.domain.ID, LocalPart: "sales", Targets: "b@corp.test"})

	// Assert
	assert.ErrorIs(s.T(), err, ErrDuplicateEntry)
}

func (s *AliasRepositoryTestSuite) TestCreate_SameLocalPartAcrossDomains() {
	// Arrange
	other := &models.Domain{Name: "other.test"}
	require.NoError(s.T(), s.db.Create(other).Error)
	require.NoError(s.T(), s.repo.Create(context.Background(), &models.Alias{DomainID: s.domain.ID, LocalPart: "sales", Targets: "a@corp.test"}))

	// Act
	err := s.repo.Create(context.Background(), &models.Alias{DomainID: other.ID, LocalPart: "sales", Targets: "b@corp.test"})

	// Assert
	assert.NoError(s.T(), err)
}

func (s *AliasRepositoryTestSuite) TestCreate_ReusesSoftDeletedName() {
	// Arrange
	old := &models.Alias{DomainID: s.domain.ID, LocalPart: "sales", Targets: "a@corp.test"}
	require.NoError(s.T(), s.repo.Create(context.Background(), old))
	require.NoError(s.T(), s.repo.SoftDelete(context.Background(), old.ID))

	// Act
	err := s.repo.Create(context.Background(), &models.Alias{DomainID: s.domain.ID, LocalPart: "sales", Targets: "b@corp.test"})

	// Assert
	assert.NoError(s.T(), err)
}

func (s *AliasRepositoryTestSuite) TestGetByLocalPart_Success() {
	// Arrange
	expires := time.Now().Add(24 * time.Hour).UTC()
	created := &models.Alias{DomainID: s.domain.ID, LocalPart: "sales", Targets: "a@corp.test", ExpiresAt: &expires}
	require.NoError(s.T(), s.repo.Create(context.Background(), created))

	// Act
	got, err := s.repo.GetByLocalPart(context.Background(), s.domain.ID, "SALES")

	// Assert
	require.NoError(s.T(), err)
	assert.Equal(s.T(), created.ID, got.ID)
	require.NotNil(s.T(), got.ExpiresAt)
}

func (s *AliasRepositoryTestSuite) TestGetByLocalPart_NotFound() {
	// Act
	got, err := s.repo.GetByLocalPart(context.Background(), s.domain.ID, "missing")

	// Assert
	assert.ErrorIs(s.T(), err, ErrNotFound)
	assert.Nil(s.T(), got)
}

func (s *AliasRepositoryTestSuite) TestGetByLocalPart_ExcludesSoftDeleted() {
	// Arrange
	created := &models.Alias{DomainID: s.domain.ID, LocalPart: "sales", Targets: "a@corp.test"}
	require.NoError(s.T(), s.repo.Create(context.Background(), created))
	require.NoError(s.T(), s.repo.SoftDelete(context.Background(), created.ID))

	// Act
	_, err := s.repo.GetByLocalPart(context.Background(), s.domain.ID, "sales")

	// Assert
	assert.ErrorIs(s.T(), err, ErrNotFound)
}

func (s *AliasRepositoryTestSuite) TestListByDomain_OrderedByLocalPart() {
	// Arrange
	for _, local := range []string{"zeta", "alpha", "mid"} {
		require.NoError(s.T(), s.repo.Create(context.Background(), &models.Alias{DomainID: s.domain.ID, LocalPart: local, Targets: "a@corp.test"}))
	}

	// Act
	got, err := s.repo.ListByDomain(context.Background(), s.domain.ID)

	// Assert
	require.NoError(s.T(), err)
	require.Len(s.T(), got, 3)
	assert.Equal(s.T(), "alpha", got[0].LocalPart)
	assert.Equal(s.T(), "mid", got[1].LocalPart)
	assert.Equal(s.T(), "zeta", got[2].LocalPart)
}

func (s *AliasRepositoryTestSuite) TestUpdate_Success() {
	// Arrange
	created := &models.Alias{DomainID: s.domain.ID, LocalPart: "sales", Targets: "a@corp.test"}
	require.NoError(s.T(), s.repo.Create(context.Background(), created))
	created.Targets = "a@corp.test,b@corp.test"

	// Act
	err := s.repo.Update(context.Background(), created)

	// Assert
	require.NoError(s.T(), err)
	got, err := s.repo.GetByLocalPart(context.Background(), s.domain.ID, "sales")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), []string{"a@corp.test", "b@corp.test"}, got.TargetList())
}

func (s *AliasRepositoryTestSuite) TestSoftDelete_NotFound() {
	// Act
	err := s.repo.SoftDelete(context.Background(), 9999)

	// Assert
	assert.ErrorIs(s.T(), err, ErrNotFound)
}
