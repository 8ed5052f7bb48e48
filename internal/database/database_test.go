package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/npezzotti/blyss-chat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrations(t *testing.T) {
	src, err := iofs.New(migrations, "migrations")
	require.NoError(t, err, "expected embedded migrations to load")
	defer src.Close()

	version, err := src.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	up, _, err := src.ReadUp(version)
	require.NoError(t, err, "expected an up migration")
	up.Close()

	down, _, err := src.ReadDown(version)
	require.NoError(t, err, "expected a down migration")
	down.Close()
}

func TestNullHelpers(t *testing.T) {
	assert.False(t, nullString(nil).Valid)
	title := "Team"
	assert.Equal(t, "Team", nullString(&title).String)
	assert.True(t, nullString(&title).Valid)

	assert.False(t, nullTime(time.Time{}).Valid)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	nt := nullTime(now)
	assert.True(t, nt.Valid)
	assert.Equal(t, time.UTC, nt.Time.Location())
	assert.True(t, now.Equal(nt.Time))
}

// newTestArchive connects to the database named by CHATSYNC_TEST_ARCHIVE_DSN.
func newTestArchive(t *testing.T) *PgArchive {
	t.Helper()
	dsn := os.Getenv("CHATSYNC_TEST_ARCHIVE_DSN")
	if dsn == "" {
		t.Skip("CHATSYNC_TEST_ARCHIVE_DSN not set")
	}

	archive, err := NewPgArchive(context.Background(), dsn)
	require.NoError(t, err, "failed to open archive")
	t.Cleanup(func() { archive.Close() })

	_, err = archive.conn.Exec("TRUNCATE messages, thread_participants, threads")
	require.NoError(t, err, "failed to reset archive")
	return archive
}

func TestPgArchive(t *testing.T) {
	archive := newTestArchive(t)
	ctx := context.Background()

	require.NoError(t, archive.Ping(ctx))

	bob := types.User{Id: "u2", Username: "Bob"}
	threads := []types.Thread{{
		Id:           "t1",
		Type:         types.ThreadTypeDirect,
		Participants: []types.Participant{{UserId: "me"}, {UserId: "u2", User: &bob}},
	}}
	require.NoError(t, archive.SaveThreads(ctx, threads))
	require.NoError(t, archive.SaveThreads(ctx, threads), "expected saving twice to be idempotent")

	base := time.Now().UTC().Truncate(time.Millisecond)
	var messages []types.Message
	for i, id := range []string{"m1", "m2", "m3"} {
		messages = append(messages, types.Message{
			Id:        id,
			ThreadId:  "t1",
			SenderId:  "u2",
			Content:   "hello " + id,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
			Sender:    bob,
		})
	}
	require.NoError(t, archive.SaveMessages(ctx, messages))
	require.NoError(t, archive.SaveMessages(ctx, messages[:1]))

	got, err := archive.ListMessages(ctx, "t1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2, "expected the limit to apply")
	assert.Equal(t, "m2", got[0].Id, "expected newest messages oldest first")
	assert.Equal(t, "m3", got[1].Id)
	assert.Equal(t, "Bob", got[1].Sender.Username)
	assert.Equal(t, "u2", got[1].Sender.Id)

	all, err := archive.ListMessages(ctx, "t1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := archive.ListMessages(ctx, "missing", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
