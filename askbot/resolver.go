package askbot

import (
	"context"
	"fmt"
	"github.com/sashabaranov/go-openai"
	"log/slog"
	"time"
)

// ResolveMode selects where an answer comes from
type ResolveMode int

const (
	ModeCompletion ResolveMode = iota
	ModeSearch
)

func (m ResolveMode) String() string {
	switch m {
	case ModeCompletion:
		return "completion"
	case ModeSearch:
		return "search"
	default:
		return fmt.Sprintf("ResolveMode(%d)", int(m))
	}
}

// chatCompleter is satisfied by [OpenAI]
type chatCompleter interface {
	CreateChatCompletion(
		ctx context.Context,
		req openai.ChatCompletionRequest,
	) (string, openai.Usage, error)
}

// Answer is the normalized output of both resolver modes
type Answer struct {
	Text       string
	SourceURL  *string
	SourceURLs []string
	AnsweredAt time.Time
}

// ResolveRequest is the input to [AnswerResolver.Resolve]
type ResolveRequest struct {
	Mode ResolveMode

	// Turns is the conversation sent in completion mode
	Turns Turns

	// Prompt is the raw query sent in search mode
	Prompt string

	Premium bool
	UserID  string
	GuildID string
}

// AnswerResolver turns a request into an [Answer], either via chat
// completion or web search
type AnswerResolver struct {
	completion chatCompleter
	search     SearchClient
	model      string
	ask        *AskConfig
	searchCfg  *SearchConfig
	logger     *slog.Logger
	now        func() time.Time
}

func NewAnswerResolver(
	completion chatCompleter,
	search SearchClient,
	model string,
	ask *AskConfig,
	searchCfg *SearchConfig,
	logger *slog.Logger,
) *AnswerResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnswerResolver{
		completion: completion,
		search:     search,
		model:      model,
		ask:        ask,
		searchCfg:  searchCfg,
		logger:     logger.With(loggerNameKey, "resolver"),
		now:        time.Now,
	}
}

// Resolve dispatches the request to the completion or search API.
// The completion API is never called in search mode.
func (r *AnswerResolver) Resolve(ctx context.Context, req ResolveRequest) (Answer, error) {
	log := loggerFromContext(ctx, r.logger)
	log.DebugContext(ctx, "resolving answer", "mode", req.Mode, "premium", req.Premium)

	switch req.Mode {
	case ModeSearch:
		return r.resolveSearch(ctx, req)
	case ModeCompletion:
		return r.resolveCompletion(ctx, req)
	default:
		return Answer{}, fmt.Errorf("unknown resolve mode: %s", req.Mode)
	}
}

func (r *AnswerResolver) resolveCompletion(ctx context.Context, req ResolveRequest) (Answer, error) {
	content, _, err := r.completion.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model:     r.model,
			Messages:  req.Turns.ChatMessages(),
			MaxTokens: r.ask.MaxTokens(req.Premium),
			User:      fmt.Sprintf("%s-%s", req.UserID, req.GuildID),
		},
	)
	if err != nil {
		return Answer{}, err
	}
	return Answer{Text: content, AnsweredAt: r.now().UTC()}, nil
}

func (r *AnswerResolver) resolveSearch(ctx context.Context, req ResolveRequest) (Answer, error) {
	result, err := r.search.Search(
		ctx,
		SearchRequest{
			Query:       req.Prompt,
			ResultCount: r.searchCfg.ResultCount,
			Mode:        r.searchCfg.Mode,
		},
	)
	if err != nil {
		return Answer{}, fmt.Errorf("search failed: %w", err)
	}
	searchRequests.Inc()
	return Answer{
		Text:       result.Content,
		SourceURL:  result.URL,
		SourceURLs: result.URLs,
		AnsweredAt: r.now().UTC(),
	}, nil
}

// Regenerate re-runs completion mode with the same turns. It never
// creates a question record.
func (r *AnswerResolver) Regenerate(ctx context.Context, req ResolveRequest) (Answer, error) {
	req.Mode = ModeCompletion
	return r.resolveCompletion(ctx, req)
}
