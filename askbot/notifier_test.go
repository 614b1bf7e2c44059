package askbot

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestUserUpdatedNotificationMessage(t *testing.T) {
	t.Parallel()
	msg := newUserUpdatedNotificationMessage("notifier", "user")
	assert.Equal(t, "notifier\x1euser", msg)

	notifierID, userID := parseUserUpdatedNotification(msg)
	assert.Equal(t, "notifier", notifierID)
	assert.Equal(t, "user", userID)

	notifierID, userID = parseUserUpdatedNotification("no separator")
	assert.Equal(t, "no separator", notifierID)
	assert.Empty(t, userID)
}

func TestNewDBNotifier(t *testing.T) {
	t.Parallel()
	bot, _ := newTestBot(t)

	n, err := NewDBNotifier(dbTypeSQLite, bot.config.Database, bot.writeDB, nil)
	require.NoError(t, err)
	assert.Len(t, n.ID(), 32)
	assert.Empty(t, n.UserUpdateChannelName())
	assert.Empty(t, n.StopChannelName())
	require.NoError(t, n.Listen(context.Background(), n.UserUpdateChannelName()))

	other, err := NewDBNotifier(dbTypeSQLite, bot.config.Database, bot.writeDB, nil)
	require.NoError(t, err)
	assert.NotEqual(t, n.ID(), other.ID())

	pg, err := NewDBNotifier(dbTypePostgres, "postgres://localhost/askbot", bot.writeDB, nil)
	require.NoError(t, err)
	assert.Equal(t, postgresNotifyChannelUserUpdated, pg.UserUpdateChannelName())
	assert.Equal(t, postgresNotifyChannelStop, pg.StopChannelName())

	_, err = NewDBNotifier("mysql", "", bot.writeDB, nil)
	assert.Error(t, err)
}

func TestSQLiteNotifier_NoSignals(t *testing.T) {
	t.Parallel()
	n, err := NewDBNotifier(dbTypeSQLite, "", nil, nil)
	require.NoError(t, err)

	// notifications can't reach other processes
	assert.False(t, n.UserUpdated(context.Background(), "user"))
	assert.False(t, n.Stop(context.Background()))
}

func TestSQLiteNotifier_Signals(t *testing.T) {
	t.Parallel()
	userUpdated := make(chan string, 1)
	stop := make(chan struct{}, 1)
	n, err := newDBNotifier(
		dbTypeSQLite,
		"",
		nil,
		notifierSignals{userUpdated: userUpdated, stop: stop},
		nil,
	)
	require.NoError(t, err)

	require.True(t, n.UserUpdated(context.Background(), "user"))
	assert.Equal(t, "user", <-userUpdated)

	require.True(t, n.Stop(context.Background()))
	select {
	case <-stop:
	default:
		t.Fatal("expected stop signal")
	}

	// nobody is receiving, so this gives up when ctx is done
	userUpdated <- "blocking"
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.False(t, n.UserUpdated(ctx, "user"))
}
