package askbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
	"log/slog"
	"net/http"
	"time"
)

// ErrNoMessageInResponse is returned when a chat completion response
// has no choices, or the first choice has no content
var ErrNoMessageInResponse = errors.New("no message in response")

// OpenAIClient is the subset of the OpenAI API used by the bot.
// *openai.Client satisfies it.
type OpenAIClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (response openai.ChatCompletionResponse, err error)
}

// OpenAI wraps an [OpenAIClient] with a request limiter shared by
// `/ask`, regeneration and thread chat.
type OpenAI struct {
	client         OpenAIClient
	config         *OpenAIConfig
	logger         *slog.Logger
	requestLimiter *rate.Limiter
}

func newOpenAI(config *OpenAIConfig, httpClient *http.Client) *OpenAI {
	o := &OpenAI{
		config:         config,
		logger:         newComponentLogger("openai", config.LogLevel),
		requestLimiter: rate.NewLimiter(rate.Limit(config.MaxRequestsPerSecond), 1),
	}

	clientCfg := openai.DefaultConfig(config.Token)
	if config.BaseURL != "" {
		clientCfg.BaseURL = config.BaseURL
	}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	o.client = openai.NewClientWithConfig(clientCfg)
	return o
}

// CreateChatCompletion sends the request once the limiter allows it,
// and returns the content of the first choice.
func (d *OpenAI) CreateChatCompletion(
	ctx context.Context,
	req openai.ChatCompletionRequest,
) (string, openai.Usage, error) {
	log := loggerFromContext(ctx, d.logger)

	if req.Model == "" {
		req.Model = d.config.Model
	}
	if err := d.requestLimiter.Wait(ctx); err != nil {
		return "", openai.Usage{}, fmt.Errorf("error waiting on request limiter: %w", err)
	}

	started := time.Now()
	resp, err := d.client.CreateChatCompletion(ctx, req)
	elapsed := time.Since(started)
	completionDuration.Observe(elapsed.Seconds())
	if err != nil {
		completionRequests.WithLabelValues("error").Inc()
		log.ErrorContext(
			ctx,
			"chat completion failed",
			"model", req.Model,
			"user", req.User,
			"duration", elapsed,
			tint.Err(err),
		)
		return "", openai.Usage{}, err
	}

	log.InfoContext(
		ctx,
		"chat completion",
		"model", req.Model,
		"user", req.User,
		"duration", elapsed,
		"choices", len(resp.Choices),
		slog.Group(
			"usage",
			"prompt_tokens", resp.Usage.PromptTokens,
			"completion_tokens", resp.Usage.CompletionTokens,
			"total_tokens", resp.Usage.TotalTokens,
		),
	)

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		completionRequests.WithLabelValues("empty").Inc()
		return "", resp.Usage, ErrNoMessageInResponse
	}
	completionRequests.WithLabelValues("ok").Inc()
	completionTokens.Add(float64(resp.Usage.TotalTokens))
	return resp.Choices[0].Message.Content, resp.Usage, nil
}
