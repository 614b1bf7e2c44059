package askbot

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestComposeTurns(t *testing.T) {
	t.Parallel()
	bot, _ := newTestBot(t)
	ctx := context.Background()

	turns, err := ComposeTurns(
		ctx,
		bot.questions,
		bot.catalog,
		TurnRequest{UserID: "u1", Locale: discordgo.EnglishUS, Prompt: "what is go?"},
	)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, turns[0].Role)
	assert.Contains(t, turns[0].Content, "Always answer in English")
	assert.Equal(t, Turn{Role: openai.ChatMessageRoleUser, Content: "what is go?"}, turns[1])
}

func TestComposeTurns_Context(t *testing.T) {
	t.Parallel()
	bot, _ := newTestBot(t)
	ctx := context.Background()

	prior, err := bot.questions.Create(
		ctx,
		&Question{UserID: "u1", QuestionText: "first?", AnswerText: "first!"},
	)
	require.NoError(t, err)

	turns, err := ComposeTurns(
		ctx,
		bot.questions,
		bot.catalog,
		TurnRequest{
			UserID:    "u1",
			Locale:    discordgo.French,
			Prompt:    "second?",
			ContextID: prior.ID,
		},
	)
	require.NoError(t, err)
	require.Len(t, turns, 4)
	assert.Contains(t, turns[0].Content, "Réponds toujours en Français")
	assert.Equal(t, Turn{Role: openai.ChatMessageRoleUser, Content: "first?"}, turns[1])
	assert.Equal(t, Turn{Role: openai.ChatMessageRoleAssistant, Content: "first!"}, turns[2])
	assert.Equal(t, Turn{Role: openai.ChatMessageRoleUser, Content: "second?"}, turns[3])

	// another user's question can't be used as context
	_, err = ComposeTurns(
		ctx,
		bot.questions,
		bot.catalog,
		TurnRequest{UserID: "u2", Prompt: "mine?", ContextID: prior.ID},
	)
	assert.ErrorIs(t, err, ErrContextQuestionNotFound)

	_, err = ComposeTurns(
		ctx,
		bot.questions,
		bot.catalog,
		TurnRequest{UserID: "u1", Prompt: "mine?", ContextID: "does-not-exist"},
	)
	assert.ErrorIs(t, err, ErrContextQuestionNotFound)
}

func TestTurns_ChatMessages(t *testing.T) {
	t.Parallel()
	turns := Turns{
		{Role: openai.ChatMessageRoleSystem, Content: "sys"},
		{Role: openai.ChatMessageRoleUser, Content: "hi"},
	}
	messages := turns.ChatMessages()
	require.Len(t, messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, messages[0].Role)
	assert.Equal(t, "hi", messages[1].Content)

	assert.Empty(t, Turns{}.ChatMessages())
}
