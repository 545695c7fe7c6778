package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

// Release is one published release run.
type Release struct {
	ID          uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Project     string            `gorm:"type:text;not null;uniqueIndex:releases_identity"`
	Version     string            `gorm:"type:text;not null;uniqueIndex:releases_identity"`
	Tag         string            `gorm:"type:text"`
	Commit      string            `gorm:"type:text"`
	GeneratedAt time.Time         `gorm:"type:timestamptz;not null"`
	Partial     bool              `gorm:"not null;default:false"`
	ManifestSHA string            `gorm:"column:manifest_sha256;type:text;not null;uniqueIndex:releases_identity"`
	ReleaseURL  string            `gorm:"type:text"`
	Provenance  datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt   time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

// ReleaseArtifact is one manifest entry of a release.
type ReleaseArtifact struct {
	ID              int64     `gorm:"type:bigserial;primaryKey"`
	ReleaseID       uuid.UUID `gorm:"type:uuid;not null;index"`
	Path            string    `gorm:"type:text;not null"`
	Kind            string    `gorm:"type:text;not null"`
	SHA256          string    `gorm:"column:sha256;type:text;not null"`
	Size            int64     `gorm:"not null"`
	SignatureMethod string    `gorm:"type:text"`
	URL             string    `gorm:"type:text"`
	Release         Release   `gorm:"foreignKey:ReleaseID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func openGorm(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&Release{},
		&ReleaseArtifact{},
	); err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	if !m.HasConstraint(&ReleaseArtifact{}, "Release") {
		if err := m.CreateConstraint(&ReleaseArtifact{}, "Release"); err != nil {
			return err
		}
	}

	return nil
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&ReleaseArtifact{},
		&Release{},
	)
}
