package askbot

import (
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestLoadCatalog(t *testing.T) {
	t.Parallel()
	catalog, err := LoadCatalog()
	require.NoError(t, err)
	assert.ElementsMatch(
		t,
		[]discordgo.Locale{discordgo.EnglishUS, discordgo.French},
		catalog.Locales(),
	)
}

// Every message in the default catalog is used somewhere, so every
// other catalog should provide it too
func TestCatalog_Complete(t *testing.T) {
	t.Parallel()
	catalog, err := LoadCatalog()
	require.NoError(t, err)

	for locale, messages := range catalog.messages {
		for id := range catalog.messages[defaultLocale] {
			_, ok := messages[id]
			assert.True(t, ok, "%s is missing %q", locale, id)
		}
	}
}

func TestCatalog_T(t *testing.T) {
	t.Parallel()
	catalog, err := LoadCatalog()
	require.NoError(t, err)

	assert.Equal(
		t,
		"You are asking too fast, please wait 5 seconds.",
		catalog.T(discordgo.EnglishUS, msgAskCooldown, map[string]any{"s": 5}),
	)
	assert.Equal(
		t,
		"Tu poses des questions trop vite, attends 3 secondes.",
		catalog.T(discordgo.French, msgAskCooldown, map[string]any{"s": 3}),
	)

	// unknown locales fall back to the default
	assert.Equal(
		t,
		catalog.T(discordgo.EnglishUS, msgAskTrial, nil),
		catalog.T(discordgo.Japanese, msgAskTrial, nil),
	)

	// unknown IDs are returned as-is
	assert.Equal(t, "nope.missing", catalog.T(discordgo.EnglishUS, "nope.missing", nil))

	// placeholders without a value are left alone
	assert.Equal(t, "{response}", catalog.T(discordgo.EnglishUS, msgAskSuccess, nil))
}

func TestCatalog_Language(t *testing.T) {
	t.Parallel()
	catalog, err := LoadCatalog()
	require.NoError(t, err)

	assert.Equal(t, "English", catalog.Language(discordgo.EnglishUS))
	assert.Equal(t, "Français", catalog.Language(discordgo.French))

	// locales without a catalog use discordgo's name for them
	assert.Equal(t, discordgo.Locales[discordgo.German], catalog.Language(discordgo.German))
	assert.Equal(t, "English", catalog.Language(discordgo.Locale("xx")))
}

func TestCatalog_Localizations(t *testing.T) {
	t.Parallel()
	catalog, err := LoadCatalog()
	require.NoError(t, err)

	localizations := *catalog.Localizations(msgAskDescription)
	assert.NotContains(t, localizations, defaultLocale)
	assert.Equal(t, "Poser une question", localizations[discordgo.French])
}

func TestFlattenMessages(t *testing.T) {
	t.Parallel()
	out := map[string]string{}
	flattenMessages(
		"",
		map[string]any{
			"a": "x",
			"b": map[string]any{
				"c": "y",
				"d": map[string]any{"e": 3},
			},
		},
		out,
	)
	assert.Equal(t, map[string]string{"a": "x", "b.c": "y", "b.d.e": "3"}, out)
}
