package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("token_store.unsupported_dialect")

	errEmptyStorageURL     = errors.New("token_store.empty_storage_url")
	errSQLiteEmptyPath     = errors.New("token_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("token_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("token_store.unsupported_no_scheme")
)

// DatabaseStore persists the session snapshot using GORM so a CLI or
// desktop session survives process restarts.
type DatabaseStore struct {
	db          *gorm.DB
	clock       Clock
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabaseStore) Driver() string {
	return store.driverLabel
}

// The snapshot is a single row replaced wholesale on every write so a
// partially-written token can never become visible.
type sessionSnapshotRecord struct {
	RecordID        int64  `gorm:"column:record_id;primaryKey"`
	AccessToken     string `gorm:"column:access_token;not null;default:''"`
	RefreshToken    string `gorm:"column:refresh_token;not null;default:''"`
	TokenType       string `gorm:"column:token_type;not null;default:''"`
	ExpiresAtUnixMs int64  `gorm:"column:token_expires_at;not null;default:0"`
	RememberEnabled bool   `gorm:"column:remember_me;not null;default:false"`
	RememberedEmail string `gorm:"column:remember_me_email;not null;default:''"`
	UpdatedAtUnix   int64  `gorm:"column:updated_at_unix;not null;default:0"`
}

func (sessionSnapshotRecord) TableName() string {
	return "session_snapshot"
}

const snapshotRecordID = int64(1)

// NewDatabaseStore constructs a GORM-backed store from a sqlite:// or
// postgres:// URL.
func NewDatabaseStore(ctx context.Context, storageURL string, clock Clock) (*DatabaseStore, error) {
	if strings.TrimSpace(storageURL) == "" {
		return nil, fmt.Errorf("token_store.open: %w", errEmptyStorageURL)
	}
	if clock == nil {
		clock = systemClock{}
	}
	dialector, driverLabel, err := resolveDialector(storageURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("token_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&sessionSnapshotRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("token_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseStore{
		db:          gormDB,
		clock:       clock,
		driverLabel: driverLabel,
	}, nil
}

// Write replaces the snapshot row inside a transaction.
func (store *DatabaseStore) Write(ctx context.Context, token Token, remember RememberMe) error {
	if err := token.Validate(); err != nil {
		return fmt.Errorf("token_store.write.%s: %w", store.driverLabel, err)
	}
	rememberedEmail := remember.Email
	if !remember.Enabled {
		rememberedEmail = ""
	}
	record := sessionSnapshotRecord{
		RecordID:        snapshotRecordID,
		AccessToken:     token.AccessToken,
		RefreshToken:    token.RefreshToken,
		TokenType:       token.TokenType,
		ExpiresAtUnixMs: token.ExpiresAt.UnixMilli(),
		RememberEnabled: remember.Enabled,
		RememberedEmail: rememberedEmail,
		UpdatedAtUnix:   store.clock.Now().Unix(),
	}
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if deleteErr := tx.Where("record_id = ?", snapshotRecordID).Delete(&sessionSnapshotRecord{}).Error; deleteErr != nil {
			return deleteErr
		}
		return tx.Create(&record).Error
	})
	if err != nil {
		return fmt.Errorf("token_store.write.%s: %w", store.driverLabel, err)
	}
	return nil
}

// Read loads the snapshot row and reconstructs the token.
func (store *DatabaseStore) Read(ctx context.Context) (Token, error) {
	var record sessionSnapshotRecord
	err := store.db.WithContext(ctx).Where("record_id = ?", snapshotRecordID).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Token{}, fmt.Errorf("token_store.read.%s: %w", store.driverLabel, ErrNoToken)
		}
		return Token{}, fmt.Errorf("token_store.read.%s: %w", store.driverLabel, err)
	}
	if record.AccessToken == "" {
		return Token{}, fmt.Errorf("token_store.read.%s: %w", store.driverLabel, ErrNoToken)
	}
	return Token{
		AccessToken:  record.AccessToken,
		RefreshToken: record.RefreshToken,
		TokenType:    record.TokenType,
		ExpiresAt:    time.UnixMilli(record.ExpiresAtUnixMs).UTC(),
	}, nil
}

// RememberedEmail returns the remember-me state from the snapshot row.
func (store *DatabaseStore) RememberedEmail(ctx context.Context) (string, bool, error) {
	var record sessionSnapshotRecord
	err := store.db.WithContext(ctx).Where("record_id = ?", snapshotRecordID).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("token_store.remembered_email.%s: %w", store.driverLabel, err)
	}
	return record.RememberedEmail, record.RememberEnabled, nil
}

// Clear zeroes the token columns in a transaction, keeping the remembered
// email only while remember-me is enabled.
func (store *DatabaseStore) Clear(ctx context.Context) error {
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record sessionSnapshotRecord
		findErr := tx.Where("record_id = ?", snapshotRecordID).Take(&record).Error
		if errors.Is(findErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if findErr != nil {
			return findErr
		}
		updates := map[string]any{
			"access_token":     "",
			"refresh_token":    "",
			"token_type":       "",
			"token_expires_at": 0,
			"updated_at_unix":  store.clock.Now().Unix(),
		}
		if !record.RememberEnabled {
			updates["remember_me"] = false
			updates["remember_me_email"] = ""
		}
		return tx.Model(&sessionSnapshotRecord{}).Where("record_id = ?", snapshotRecordID).Updates(updates).Error
	})
	if err != nil {
		return fmt.Errorf("token_store.clear.%s: %w", store.driverLabel, err)
	}
	return nil
}

func resolveDialector(storageURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(storageURL)
	if err != nil {
		return nil, "", fmt.Errorf("token_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("token_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(storageURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("token_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("token_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
