package askbot

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"testing"
)

func TestLimitString(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		limit    int
		expected string
	}{
		{
			name:     "shorter than limit",
			input:    "short",
			limit:    10,
			expected: "short",
		},
		{
			name:     "exactly the limit",
			input:    "exact",
			limit:    5,
			expected: "exact",
		},
		{
			name:     "longer than limit",
			input:    "this is too long",
			limit:    10,
			expected: "this is...",
		},
		{
			name:     "tiny limit",
			input:    "abcdef",
			limit:    2,
			expected: "ab",
		},
		{
			name:     "multibyte",
			input:    "日本語のテキストです",
			limit:    6,
			expected: "日本語...",
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(t, tc.expected, limitString(tc.input, tc.limit))
			},
		)
	}
}

func TestLinkHost(t *testing.T) {
	assert.Equal(t, "example.com", linkHost("https://example.com/a/b"))
	assert.Equal(t, "example.com:8080", linkHost("http://example.com:8080"))
	assert.Equal(t, "example.com", linkHost("example.com"))
	assert.Equal(t, "file:///x", linkHost("file:///x"))
}

func TestChunkItems(t *testing.T) {
	assert.Equal(t, [][]int{{1, 2}, {3, 4}, {5}}, chunkItems(2, 1, 2, 3, 4, 5))
	assert.Equal(t, [][]int{{1, 2, 3}}, chunkItems(5, 1, 2, 3))
	assert.Nil(t, chunkItems[int](3))
}

func TestLoggerCtx(t *testing.T) {
	ctx := context.Background()
	_, ok := ContextLogger(ctx)
	assert.False(t, ok)

	fallback := slog.Default().With("fallback", true)
	assert.Same(t, fallback, loggerFromContext(ctx, fallback))

	logger := slog.Default().With("test_name", t.Name())
	ctx = WithLogger(ctx, logger)
	got, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.Same(t, logger, got)
	assert.Same(t, logger, loggerFromContext(ctx, fallback))
}

func TestStructToSlogValue(t *testing.T) {
	type inner struct {
		Name string `json:"name"`
	}
	type sample struct {
		Token  string   `json:"token" log:"[redacted]"`
		Name   string   `json:"name"`
		Empty  string   `json:"empty"`
		Inner  *inner   `json:"inner"`
		Nil    *inner   `json:"nil"`
		Values []string `json:"values"`
		hidden string
	}

	v := structToSlogValue(
		sample{
			Token:  "secret",
			Name:   "n",
			Inner:  &inner{Name: "i"},
			Values: []string{"a"},
			hidden: "h",
		},
	)
	require.Equal(t, slog.KindGroup, v.Kind())

	attrs := map[string]slog.Value{}
	for _, a := range v.Group() {
		attrs[a.Key] = a.Value
	}
	assert.Equal(t, "[redacted]", attrs["token"].String())
	assert.Equal(t, "n", attrs["name"].String())
	assert.Contains(t, attrs, "inner")
	assert.Contains(t, attrs, "values")
	assert.NotContains(t, attrs, "empty")
	assert.NotContains(t, attrs, "nil")
	assert.NotContains(t, attrs, "hidden")

	assert.Equal(t, slog.KindAny, structToSlogValue(nil).Kind())
}

func TestDiscordInteractionOptions(t *testing.T) {
	u := newDiscordUser(t)
	i := newAskInteraction(t, u, "what?", true, "ctx-id")

	options := discordInteractionOptions(i)
	require.Len(t, options, 3)
	assert.Equal(t, "what?", options[askOptionPrompt].StringValue())
	assert.True(t, options[askOptionWeb].BoolValue())

	opts := parseAskOptions(i)
	assert.Equal(t, askOptions{Prompt: "what?", Web: true, Context: "ctx-id"}, opts)

	opts = parseAskOptions(newCommandInteraction(t, u, DiscordSlashCommandAsk))
	assert.Equal(t, askOptions{}, opts)
}

func TestInteractionLogAttrs(t *testing.T) {
	i := discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        "1",
			Type:      discordgo.InteractionMessageComponent,
			ChannelID: "c",
			Message:   &discordgo.Message{ID: "m"},
		},
	}
	attrs := interactionLogAttrs(i)
	assert.Contains(t, attrs, "channel_id")
	assert.Contains(t, attrs, "message_id")
	assert.NotContains(t, attrs, "guild_id")
}

func TestGenerateRandomHexString(t *testing.T) {
	a, err := generateRandomHexString(16)
	require.NoError(t, err)
	b, err := generateRandomHexString(16)
	require.NoError(t, err)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}
