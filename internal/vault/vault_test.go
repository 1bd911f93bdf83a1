package vault

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/omnifeed/omnifeed/internal/models"
	"github.com/omnifeed/omnifeed/internal/platform"
)

// 32 bytes, hex encoded
const testKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

func newTestVault(t *testing.T) (Vault, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.PlatformConnection{}))

	v, err := New(db, testKey)
	require.NoError(t, err)
	return v, db
}

func seedConnection(t *testing.T, db *gorm.DB, id string) {
	t.Helper()
	conn := &models.PlatformConnection{
		ID:       id,
		UserID:   "user-1",
		Platform: "mastodon",
		State:    models.StateValid,
		Active:   true,
	}
	require.NoError(t, db.Create(conn).Error)
}

func TestCipherBox_RoundTrip(t *testing.T) {
	box, err := newCipherBox(testKey)
	require.NoError(t, err)

	cipherText, err := box.encrypt("secret-token")
	require.NoError(t, err)
	assert.NotEqual(t, "secret-token", cipherText)

	plain, err := box.decrypt(cipherText)
	require.NoError(t, err)
	assert.Equal(t, "secret-token", plain)
}

func TestCipherBox_InvalidKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{name: "Not hex", key: "zz"},
		{name: "Too short", key: "abcd"},
		{name: "Empty", key: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newCipherBox(tt.key)
			assert.Error(t, err)
		})
	}
}

func TestVault_RotateAndGet(t *testing.T) {
	v, db := newTestVault(t)
	seedConnection(t, db, "conn-1")

	err := v.Rotate(context.Background(), "conn-1", platform.Token{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
	})
	require.NoError(t, err)

	creds, err := v.Get(context.Background(), "conn-1")
	require.NoError(t, err)
	assert.Equal(t, "access-1", creds.AccessToken)
	assert.Equal(t, "refresh-1", creds.RefreshToken)

	// Token columns must hold ciphertext, never the plain values
	var row models.PlatformConnection
	require.NoError(t, db.First(&row, "id = ?", "conn-1").Error)
	assert.NotEqual(t, "access-1", row.AccessToken)
	assert.NotEqual(t, "refresh-1", row.RefreshToken)
}

func TestVault_RotateKeepsRefreshTokenWhenNotRotated(t *testing.T) {
	v, db := newTestVault(t)
	seedConnection(t, db, "conn-1")

	require.NoError(t, v.Rotate(context.Background(), "conn-1", platform.Token{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
	}))

	// Platform returned only a new access token
	require.NoError(t, v.Rotate(context.Background(), "conn-1", platform.Token{
		AccessToken: "access-2",
	}))

	creds, err := v.Get(context.Background(), "conn-1")
	require.NoError(t, err)
	assert.Equal(t, "access-2", creds.AccessToken)
	assert.Equal(t, "refresh-1", creds.RefreshToken)
}

func TestVault_Revoke(t *testing.T) {
	v, db := newTestVault(t)
	seedConnection(t, db, "conn-1")

	require.NoError(t, v.Rotate(context.Background(), "conn-1", platform.Token{AccessToken: "access-1"}))
	require.NoError(t, v.Revoke(context.Background(), "conn-1"))

	_, err := v.Get(context.Background(), "conn-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Ciphertext is discarded, not retained
	var row models.PlatformConnection
	require.NoError(t, db.First(&row, "id = ?", "conn-1").Error)
	assert.Empty(t, row.AccessToken)
	assert.Empty(t, row.RefreshToken)
}

func TestVault_GetUnknownConnection(t *testing.T) {
	v, _ := newTestVault(t)

	_, err := v.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVault_RotateUnknownConnection(t *testing.T) {
	v, _ := newTestVault(t)

	err := v.Rotate(context.Background(), "missing", platform.Token{AccessToken: "a"})
	assert.ErrorIs(t, err, ErrNotFound)
}
