package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/omnifeed/omnifeed/internal/models"
	"github.com/omnifeed/omnifeed/internal/platform"
)

// ErrNotFound is returned when a connection has no stored credentials,
// either because it does not exist or because they were revoked.
var ErrNotFound = errors.New("vault: credentials not found")

// Vault holds OAuth credentials encrypted at rest. Decryption happens only
// inside Get, at the point of an adapter call; decrypted values are never
// persisted or logged.
type Vault interface {
	Get(ctx context.Context, connectionID string) (platform.Credentials, error)
	Rotate(ctx context.Context, connectionID string, token platform.Token) error
	Revoke(ctx context.Context, connectionID string) error
}

type gormVault struct {
	db  *gorm.DB
	box *cipherBox
}

var _ Vault = (*gormVault)(nil)

// New creates a vault over the connection rows using the given AES key.
func New(db *gorm.DB, keyHex string) (Vault, error) {
	box, err := newCipherBox(keyHex)
	if err != nil {
		return nil, fmt.Errorf("vault key: %w", err)
	}
	return &gormVault{db: db, box: box}, nil
}

func (v *gormVault) Get(ctx context.Context, connectionID string) (platform.Credentials, error) {
	var row models.PlatformConnection
	err := v.db.WithContext(ctx).
		Select("id", "access_token", "refresh_token").
		Where("id = ?", connectionID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return platform.Credentials{}, ErrNotFound
	}
	if err != nil {
		return platform.Credentials{}, err
	}
	if row.AccessToken == "" {
		return platform.Credentials{}, ErrNotFound
	}

	access, err := v.box.decrypt(row.AccessToken)
	if err != nil {
		return platform.Credentials{}, fmt.Errorf("access token: %w", err)
	}

	creds := platform.Credentials{AccessToken: access}
	if row.RefreshToken != "" {
		refresh, err := v.box.decrypt(row.RefreshToken)
		if err != nil {
			return platform.Credentials{}, fmt.Errorf("refresh token: %w", err)
		}
		creds.RefreshToken = refresh
	}
	return creds, nil
}

// Rotate installs a new token pair in a single UPDATE so a concurrent Get
// observes either the old pair or the new one, never a mix. A refresh
// token is kept when the platform did not rotate it.
func (v *gormVault) Rotate(ctx context.Context, connectionID string, token platform.Token) error {
	access, err := v.box.encrypt(token.AccessToken)
	if err != nil {
		return fmt.Errorf("sealing access token: %w", err)
	}

	updates := map[string]interface{}{
		"access_token":     access,
		"token_expires_at": token.ExpiresAt,
		"updated_at":       time.Now(),
	}
	if token.RefreshToken != "" {
		refresh, err := v.box.encrypt(token.RefreshToken)
		if err != nil {
			return fmt.Errorf("sealing refresh token: %w", err)
		}
		updates["refresh_token"] = refresh
	}

	result := v.db.WithContext(ctx).
		Model(&models.PlatformConnection{}).
		Where("id = ?", connectionID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Revoke discards both tokens. The ciphertext is overwritten, never
// retained past revocation.
func (v *gormVault) Revoke(ctx context.Context, connectionID string) error {
	result := v.db.WithContext(ctx).
		Model(&models.PlatformConnection{}).
		Where("id = ?", connectionID).
		Updates(map[string]interface{}{
			"access_token":     "",
			"refresh_token":    "",
			"token_expires_at": nil,
			"updated_at":       time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
