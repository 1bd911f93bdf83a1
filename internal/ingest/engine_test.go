package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/omnifeed/omnifeed/internal/models"
	"github.com/omnifeed/omnifeed/internal/platform"
	"github.com/omnifeed/omnifeed/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, store.PostRepository, store.NotificationRepository) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, store.AutoMigrate(db))
	posts := store.NewPostRepository(db)
	notifs := store.NewNotificationRepository(db)
	return NewEngine(posts, notifs), posts, notifs
}

func postItem(remoteID, content string) platform.RawItem {
	return platform.RawItem{
		Platform:    "mastodon",
		RemoteID:    remoteID,
		Kind:        platform.ItemPost,
		Content:     content,
		AuthorName:  "Alice",
		Likes:       3,
		PublishedAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		Raw:         []byte(`{"id":"` + remoteID + `"}`),
	}
}

func notifItem(remoteID, typ string) platform.RawItem {
	return platform.RawItem{
		Platform:    "mastodon",
		RemoteID:    remoteID,
		Kind:        platform.ItemNotification,
		Type:        typ,
		Content:     "you were mentioned",
		PublishedAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestEngine_IngestPostsTwiceIsIdempotent(t *testing.T) {
	engine, posts, _ := newTestEngine(t)
	ctx := context.Background()

	batch := []platform.RawItem{postItem("r1", "a"), postItem("r2", "b"), postItem("r3", "c")}

	res, err := engine.IngestPosts(ctx, "user-1", "mastodon", batch)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Created)
	assert.Equal(t, 0, res.Updated)
	assert.Len(t, res.IDs, 3)
	assert.Equal(t, res.IDs, res.CreatedIDs)

	// Second run over the same remote items updates in place
	res, err = engine.IngestPosts(ctx, "user-1", "mastodon", batch)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Created)
	assert.Equal(t, 3, res.Updated)
	assert.Empty(t, res.CreatedIDs)
	assert.Len(t, res.IDs, 3)

	n, err := posts.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestEngine_IngestPostsSkipsMalformed(t *testing.T) {
	engine, posts, _ := newTestEngine(t)

	noID := postItem("", "missing id")
	noTime := postItem("r9", "no timestamp")
	noTime.PublishedAt = time.Time{}

	batch := []platform.RawItem{postItem("r1", "a"), noID, noTime, postItem("r2", "b")}

	res, err := engine.IngestPosts(context.Background(), "user-1", "mastodon", batch)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 2, res.Skipped)
	require.Len(t, res.Errors, 2)
	assert.Contains(t, res.Errors[0].Reason, "remote id")
	assert.Contains(t, res.Errors[1].Reason, "timestamp")

	n, err := posts.Count(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestEngine_NormalizesNotificationTypes(t *testing.T) {
	tests := []struct {
		platformType string
		want         models.NotificationType
	}{
		{"mention", models.NotificationMention},
		{"reply", models.NotificationComment},
		{"favourite", models.NotificationLike},
		{"reblog", models.NotificationRepost},
		{"follow", models.NotificationFollow},
		{"dm", models.NotificationDirectMessage},
	}

	engine, _, notifs := newTestEngine(t)
	ctx := context.Background()

	for i, tt := range tests {
		item := notifItem(string(rune('a'+i)), tt.platformType)
		res, err := engine.IngestNotifications(ctx, "user-1", "mastodon", []platform.RawItem{item})
		require.NoError(t, err)
		require.Equal(t, 1, res.Created, "type %q", tt.platformType)

		rows, err := notifs.GetByIDs(ctx, res.IDs)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, tt.want, rows[0].Type)
	}
}

func TestEngine_MalformedNotificationSkippedNotFatal(t *testing.T) {
	engine, _, notifs := newTestEngine(t)
	ctx := context.Background()

	batch := []platform.RawItem{
		notifItem("n1", "mention"),
		notifItem("n2", "follow"),
		notifItem("n3", "poke"), // unknown platform vocabulary
		notifItem("n4", "like"),
		notifItem("n5", "reblog"),
	}

	res, err := engine.IngestNotifications(ctx, "user-1", "mastodon", batch)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Created)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "n3", res.Errors[0].RemoteID)
	assert.Contains(t, res.Errors[0].Reason, "unknown notification type")

	rows, err := notifs.GetByIDs(ctx, res.IDs)
	require.NoError(t, err)
	assert.Len(t, rows, 4)
}

type mockPostRepo struct {
	mock.Mock
}

func (m *mockPostRepo) Upsert(ctx context.Context, post *models.Post) (bool, error) {
	args := m.Called(ctx, post)
	return args.Bool(0), args.Error(1)
}

func (m *mockPostRepo) GetByIDs(ctx context.Context, ids []string) ([]*models.Post, error) {
	args := m.Called(ctx, ids)
	return args.Get(0).([]*models.Post), args.Error(1)
}

func (m *mockPostRepo) ListByUser(ctx context.Context, userID string, offset, limit int) ([]*models.Post, error) {
	args := m.Called(ctx, userID, offset, limit)
	return args.Get(0).([]*models.Post), args.Error(1)
}

func (m *mockPostRepo) ListAfter(ctx context.Context, afterID string, limit int) ([]*models.Post, error) {
	args := m.Called(ctx, afterID, limit)
	return args.Get(0).([]*models.Post), args.Error(1)
}

func (m *mockPostRepo) Count(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func TestEngine_FailedUpsertProducesNoIDs(t *testing.T) {
	repo := new(mockPostRepo)
	repo.On("Upsert", mock.Anything, mock.MatchedBy(func(p *models.Post) bool { return p.RemoteID == "bad" })).
		Return(false, errors.New("disk full"))
	repo.On("Upsert", mock.Anything, mock.Anything).Return(true, nil)

	engine := NewEngine(repo, nil)

	res, err := engine.IngestPosts(context.Background(), "user-1", "mastodon",
		[]platform.RawItem{postItem("ok", "a"), postItem("bad", "b")})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.Skipped)
	// Nothing downstream may see an uncommitted id
	assert.Len(t, res.IDs, 1)
	repo.AssertExpectations(t)
}

func TestEngine_CancelledContextAborts(t *testing.T) {
	engine, posts, _ := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := engine.IngestPosts(ctx, "user-1", "mastodon", []platform.RawItem{postItem("r1", "a")})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, res.IDs)

	n, err := posts.Count(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}
