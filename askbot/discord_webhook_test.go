package askbot

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"
)

// signedRequest returns a webhook request for body, signed with key
func signedRequest(
	t testing.TB,
	key ed25519.PrivateKey,
	body []byte,
) *http.Request {
	t.Helper()
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	sig := ed25519.Sign(key, append([]byte(timestamp), body...))

	req := httptest.NewRequest(http.MethodPost, apiDiscordInteractions, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature-Ed25519", hex.EncodeToString(sig))
	req.Header.Set("X-Signature-Timestamp", timestamp)
	return req
}

func TestVerifyRequest(t *testing.T) {
	t.Parallel()
	pubkey, privkey := generateDiscordKey(t)
	body := []byte(`{"type":1}`)

	req := signedRequest(t, privkey, body)
	require.True(t, verifyRequest(req, pubkey))

	// the body can still be read after verification
	restored, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, body, restored)

	otherKey, _ := generateDiscordKey(t)
	assert.False(t, verifyRequest(signedRequest(t, privkey, body), otherKey))
	assert.False(t, verifyRequest(signedRequest(t, privkey, body), ed25519.PublicKey("short")))

	tampered := signedRequest(t, privkey, body)
	tampered.Body = io.NopCloser(bytes.NewReader([]byte(`{"type":2}`)))
	assert.False(t, verifyRequest(tampered, pubkey))

	noTimestamp := signedRequest(t, privkey, body)
	noTimestamp.Header.Del("X-Signature-Timestamp")
	assert.False(t, verifyRequest(noTimestamp, pubkey))

	badSignature := signedRequest(t, privkey, body)
	badSignature.Header.Set("X-Signature-Ed25519", "not-hex")
	assert.False(t, verifyRequest(badSignature, pubkey))

	unsigned := httptest.NewRequest(http.MethodPost, apiDiscordInteractions, bytes.NewReader(body))
	assert.False(t, verifyRequest(unsigned, pubkey))
}

// newTestWebhookServer returns a webhook server for a test bot, and the
// key its requests should be signed with
func newTestWebhookServer(t testing.TB) (*Bot, *DiscordWebhookServer, ed25519.PrivateKey) {
	t.Helper()
	bot, _ := newTestBot(t)
	pubkey, privkey := generateDiscordKey(t)
	bot.discord.publicKey = pubkey

	server, err := newWebhookServer(bot, bot.config.Discord.WebhookServer)
	require.NoError(t, err)
	return bot, server, privkey
}

// gin's mode is global, so the webhook server tests don't run in parallel

func TestWebhookServer_NotReady(t *testing.T) {
	_, server, privkey := newTestWebhookServer(t)

	w := httptest.NewRecorder()
	server.engine.ServeHTTP(w, signedRequest(t, privkey, []byte(`{"type":1}`)))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestWebhookServer_Unsigned(t *testing.T) {
	bot, server, _ := newTestWebhookServer(t)
	wg := &sync.WaitGroup{}
	bot.webhookInteractionHandler = webhookReceiveHandler(context.Background(), bot, wg)

	req := httptest.NewRequest(
		http.MethodPost,
		apiDiscordInteractions,
		bytes.NewReader([]byte(`{"type":1}`)),
	)
	w := httptest.NewRecorder()
	server.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	_, otherKey := generateDiscordKey(t)
	w = httptest.NewRecorder()
	server.engine.ServeHTTP(w, signedRequest(t, otherKey, []byte(`{"type":1}`)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	wg.Wait()
}

func TestWebhookServer_Ping(t *testing.T) {
	bot, server, privkey := newTestWebhookServer(t)
	wg := &sync.WaitGroup{}
	bot.webhookInteractionHandler = webhookReceiveHandler(context.Background(), bot, wg)

	body, err := json.Marshal(
		discordgo.Interaction{ID: "ping_" + t.Name(), Type: discordgo.InteractionPing},
	)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	server.engine.ServeHTTP(w, signedRequest(t, privkey, body))
	wg.Wait()

	require.Equal(t, http.StatusOK, w.Code)
	var resp discordgo.InteractionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, discordgo.InteractionResponsePong, resp.Type)
}

func TestWebhookServer_Command(t *testing.T) {
	bot, server, privkey := newTestWebhookServer(t)
	wg := &sync.WaitGroup{}
	bot.webhookInteractionHandler = webhookReceiveHandler(context.Background(), bot, wg)
	u := newDiscordUser(t)

	body, err := json.Marshal(newCommandInteraction(t, u, DiscordSlashCommandUsage).Interaction)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	server.engine.ServeHTTP(w, signedRequest(t, privkey, body))
	wg.Wait()

	require.Equal(t, http.StatusOK, w.Code)
	var resp discordgo.InteractionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, discordgo.InteractionResponseDeferredChannelMessageWithSource, resp.Type)

	var interactionLog InteractionLog
	require.NoError(t, bot.db.Where("user_id = ?", u.ID).Take(&interactionLog).Error)
	assert.Equal(t, discordInteractionReceiveMethodWebhook, interactionLog.Method)
}

func TestWebhookServer_BadBody(t *testing.T) {
	bot, server, privkey := newTestWebhookServer(t)
	wg := &sync.WaitGroup{}
	bot.webhookInteractionHandler = webhookReceiveHandler(context.Background(), bot, wg)

	w := httptest.NewRecorder()
	server.engine.ServeHTTP(w, signedRequest(t, privkey, []byte(`not json`)))
	wg.Wait()
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookHandler_RespondOnce(t *testing.T) {
	t.Parallel()
	i := &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{ID: "1"}}
	responseCh := make(chan *discordgo.InteractionResponse, 2)
	handler := newWebhookHandler(newStubInteractionHandler(t, i), responseCh)

	assert.Equal(t, discordInteractionReceiveMethodWebhook, handler.InteractionReceiveMethod())

	first := &discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong}
	require.NoError(t, handler.Respond(context.Background(), first))
	assert.ErrorIs(
		t,
		handler.Respond(context.Background(), &discordgo.InteractionResponse{}),
		errAlreadyResponded,
	)

	require.Len(t, responseCh, 1)
	assert.Same(t, first, <-responseCh)
}
