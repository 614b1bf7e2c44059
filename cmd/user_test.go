package cmd

import (
	"github.com/arcward/askbot/askbot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestUserCommands(t *testing.T) {
	dbPath := setupCommandDB(t)
	t.Cleanup(
		func() {
			premiumOff = false
		},
	)

	rootCmd.SetArgs([]string{"init"})
	_ = captureOutput(t)
	require.NoError(t, rootCmd.Execute())

	db := openTestDB(t, dbPath)
	require.NoError(
		t,
		db.Create(&askbot.User{ID: "12345", Username: "someone", AskUsage: 2}).Error,
	)

	t.Run(
		"premium", func(t *testing.T) {
			out := captureOutput(t)
			premiumOff = false
			rootCmd.SetArgs([]string{"user", "premium", "12345"})
			require.NoError(t, rootCmd.Execute())
			assert.Contains(t, out.String(), "premium: true")
			assert.Contains(t, out.String(), "not notified")

			var u askbot.User
			require.NoError(t, db.Take(&u, "id = ?", "12345").Error)
			assert.True(t, u.Premium)
		},
	)

	t.Run(
		"premium off", func(t *testing.T) {
			_ = captureOutput(t)
			rootCmd.SetArgs([]string{"user", "premium", "12345", "--off"})
			require.NoError(t, rootCmd.Execute())

			var u askbot.User
			require.NoError(t, db.Take(&u, "id = ?", "12345").Error)
			assert.False(t, u.Premium)
		},
	)

	t.Run(
		"usage", func(t *testing.T) {
			out := captureOutput(t)
			rootCmd.SetArgs([]string{"user", "usage", "12345", "7"})
			require.NoError(t, rootCmd.Execute())
			assert.Contains(t, out.String(), "ask usage: 7")

			var u askbot.User
			require.NoError(t, db.Take(&u, "id = ?", "12345").Error)
			assert.Equal(t, 7, u.AskUsage)
		},
	)

	t.Run(
		"invalid usage", func(t *testing.T) {
			_ = captureOutput(t)
			rootCmd.SetArgs([]string{"user", "usage", "12345", "lots"})
			assert.Error(t, rootCmd.Execute())
		},
	)

	t.Run(
		"unknown user", func(t *testing.T) {
			_ = captureOutput(t)
			premiumOff = false
			rootCmd.SetArgs([]string{"user", "premium", "99999"})
			err := rootCmd.Execute()
			assert.ErrorIs(t, err, askbot.ErrUserNotFound)
		},
	)
}
