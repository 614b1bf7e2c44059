package askbot

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	apiDiscordInteractions = "/discord/interactions"

	// webhookResponseTimeout is how long a webhook request waits for the
	// initial interaction response. Discord gives up after 3 seconds.
	webhookResponseTimeout = 2800 * time.Millisecond
)

var errAlreadyResponded = errors.New("interaction already responded to")

// DiscordWebhookServer receives interactions via HTTP POST, as an
// alternative to the gateway
type DiscordWebhookServer struct {
	config     DiscordWebhookServerConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger
}

func (d *DiscordWebhookServer) Serve(ctx context.Context) error {
	if d.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, d.config.ListenNetwork, d.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", d.config.Listen, err)
		}
		d.listener = ln
	}
	if d.httpServer.TLSConfig == nil {
		d.logger.WarnContext(ctx, "starting server without TLS")
		return d.httpServer.Serve(d.listener)
	}
	return d.httpServer.ServeTLS(d.listener, "", "")
}

// newWebhookServer creates and returns a new [DiscordWebhookServer], and/or
// any errors that occurred during creation.
func newWebhookServer(
	b *Bot,
	config DiscordWebhookServerConfig,
) (*DiscordWebhookServer, error) {
	r := gin.New()
	server := &DiscordWebhookServer{
		config: config,
		engine: r,
		logger: newComponentLogger("discord_webhook", config.LogLevel),
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	if config.SSL.Cert != "" {
		tlsCfg, e := tlsConfig(config.SSL)
		if e != nil {
			return nil, fmt.Errorf("error loading webhook SSL certs: %w", e)
		}
		httpServer.TLSConfig = tlsCfg
	}
	server.httpServer = httpServer

	if b.config.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(server.logger),
		discordRequestAuthenticationMiddleware(b.discord.publicKey),
	)

	r.POST(
		apiDiscordInteractions,
		func(c *gin.Context) {
			if b.webhookInteractionHandler == nil {
				c.AbortWithStatusJSON(
					http.StatusServiceUnavailable,
					httpError{Error: "not ready"},
				)
				return
			}
			b.webhookInteractionHandler(c)
		},
	)
	return server, nil
}

// WebhookHandler is a handler for Discord interactions received via webhook.
// The initial response is written to the HTTP response body rather than
// sent over the REST API. Follow-up edits go through the wrapped handler.
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint-validating-security-request-headers
//
//nolint:lll  // can't split link
type WebhookHandler struct {
	responseCh chan<- *discordgo.InteractionResponse
	responded  *atomic.Bool
	InteractionHandler
}

func newWebhookHandler(
	handler InteractionHandler,
	responseCh chan<- *discordgo.InteractionResponse,
) WebhookHandler {
	return WebhookHandler{
		responseCh:         responseCh,
		responded:          &atomic.Bool{},
		InteractionHandler: handler,
	}
}

func (WebhookHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodWebhook
}

// Respond hands the response to the waiting HTTP request. Only the first
// response is accepted.
func (w WebhookHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	if !w.responded.CompareAndSwap(false, true) {
		return errAlreadyResponded
	}
	select {
	case w.responseCh <- response:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// webhookReceiveHandler returns a [gin.HandlerFunc] for handling Discord
// webhook interactions. Each interaction is handled in its own goroutine
// (tracked by runtimeWG), while the request waits for its initial response.
func webhookReceiveHandler(
	ctx context.Context,
	b *Bot,
	runtimeWG *sync.WaitGroup,
) func(c *gin.Context) {
	handlerCtx := context.WithoutCancel(ctx)

	return func(c *gin.Context) {
		requestID, _ := c.Get(xRequestIDHeader)
		logger := ginContextLogger(c).With(
			slog.Group(
				"webhook_request",
				"remote_addr", c.Request.RemoteAddr,
				"remote_ip", c.RemoteIP(),
				xRequestIDHeader, requestID,
			),
		)

		defer func() {
			_ = c.Request.Body.Close()
		}()
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			logger.ErrorContext(c, "error getting raw data", tint.Err(err))
			c.JSON(http.StatusInternalServerError, httpError{Error: "error getting raw data"})
			return
		}

		var interaction discordgo.InteractionCreate
		if e := json.Unmarshal(body, &interaction); e != nil {
			logger.ErrorContext(c, "error unmarshalling body", tint.Err(e))
			c.JSON(http.StatusBadRequest, httpError{Error: "error unmarshalling body"})
			return
		}
		i := &interaction

		if ctx.Err() != nil {
			c.AbortWithStatusJSON(
				http.StatusServiceUnavailable,
				httpError{Error: "shutting down"},
			)
			return
		}

		responseCh := make(chan *discordgo.InteractionResponse, 1)
		done := make(chan struct{})
		handler := newWebhookHandler(b.getInteractionHandlerFunc(handlerCtx, i), responseCh)

		runCtx := WithLogger(handlerCtx, logger)
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			defer close(done)
			b.handleInteraction(runCtx, handler)
		}()

		timer := time.NewTimer(webhookResponseTimeout)
		defer timer.Stop()

		select {
		case response := <-responseCh:
			c.JSON(http.StatusOK, response)
		case <-done:
			select {
			case response := <-responseCh:
				c.JSON(http.StatusOK, response)
			default:
				logger.WarnContext(c, "interaction finished without a response")
				c.Status(http.StatusNoContent)
			}
		case <-timer.C:
			logger.ErrorContext(c, "timed out waiting for interaction response")
			c.AbortWithStatusJSON(
				http.StatusServiceUnavailable,
				httpError{Error: "timed out"},
			)
		case <-c.Request.Context().Done():
			logger.WarnContext(c, "request canceled before response")
		}
	}
}

// discordRequestAuthenticationMiddleware is a middleware for verifying Discord
// webhook requests.
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint-validating-security-request-headers
//
//nolint:lll // can't split link
func discordRequestAuthenticationMiddleware(publicKey ed25519.PublicKey) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !verifyRequest(c.Request, publicKey) {
			ginContextLogger(c).WarnContext(c, "invalid signature")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "invalid signature"})
			return
		}
		c.Next()
	}
}

// verifyRequest checks the ed25519 signature of a Discord webhook request,
// which covers the timestamp header followed by the raw body. The body is
// restored so it can be read again by the next handler.
func verifyRequest(r *http.Request, key ed25519.PublicKey) bool {
	if len(key) != ed25519.PublicKeySize {
		return false
	}

	signature := r.Header.Get("X-Signature-Ed25519")
	if signature == "" {
		return false
	}

	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	if len(sig) != ed25519.SignatureSize || sig[63]&224 != 0 {
		return false
	}

	timestamp := r.Header.Get("X-Signature-Timestamp")
	if timestamp == "" {
		return false
	}

	var msg bytes.Buffer
	msg.WriteString(timestamp)

	defer func() {
		_ = r.Body.Close()
	}()
	var body bytes.Buffer

	defer func() {
		r.Body = io.NopCloser(&body)
	}()

	_, err = io.Copy(&msg, io.TeeReader(r.Body, &body))
	if err != nil {
		return false
	}

	return ed25519.Verify(key, msg.Bytes(), sig)
}
