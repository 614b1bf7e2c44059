package askbot

import (
	"context"
	"errors"
	"github.com/bwmarrin/discordgo"
	"github.com/sashabaranov/go-openai"
)

// ErrContextQuestionNotFound is returned by [ComposeTurns] when the
// referenced prior question doesn't exist, or belongs to another user
var ErrContextQuestionNotFound = errors.New("question provided in context does not exist")

// Turn is a single message in a completion conversation
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Turns is an append-only conversation, oldest first
type Turns []Turn

func (t Turns) ChatMessages() []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(t))
	for _, turn := range t {
		messages = append(
			messages,
			openai.ChatCompletionMessage{Role: turn.Role, Content: turn.Content},
		)
	}
	return messages
}

// questionGetter looks up a prior question owned by a user
type questionGetter interface {
	Get(ctx context.Context, id string, userID string) (*Question, error)
}

// TurnRequest is the input to [ComposeTurns]
type TurnRequest struct {
	UserID string
	Locale discordgo.Locale
	Prompt string

	// ContextID optionally references a prior question, whose question
	// and answer are copied into the conversation before Prompt
	ContextID string
}

// ComposeTurns builds the conversation for a completion-mode ask:
// the localized system prompt, then the referenced prior question and
// answer (if any), then the new prompt.
func ComposeTurns(
	ctx context.Context,
	store questionGetter,
	catalog *Catalog,
	req TurnRequest,
) (Turns, error) {
	turns := Turns{
		{
			Role: openai.ChatMessageRoleSystem,
			Content: catalog.T(
				req.Locale,
				msgPromptDefault,
				map[string]any{"lang": catalog.Language(req.Locale)},
			),
		},
	}

	if req.ContextID != "" {
		prior, err := store.Get(ctx, req.ContextID, req.UserID)
		if err != nil {
			if errors.Is(err, ErrQuestionNotFound) {
				return nil, ErrContextQuestionNotFound
			}
			return nil, err
		}
		turns = append(
			turns,
			Turn{Role: openai.ChatMessageRoleUser, Content: prior.QuestionText},
			Turn{Role: openai.ChatMessageRoleAssistant, Content: prior.AnswerText},
		)
	}

	turns = append(turns, Turn{Role: openai.ChatMessageRoleUser, Content: req.Prompt})
	return turns, nil
}
