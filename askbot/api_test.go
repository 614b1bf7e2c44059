package askbot

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/http"
	"net/http/httptest"
	"testing"
)

const testAPIToken = "test_api_token"

func newTestAPI(t testing.TB) (*Bot, *API) {
	t.Helper()
	bot, _ := newTestBot(t)
	bot.config.API.Token = testAPIToken
	api, err := newAPI(bot, bot.config.API)
	require.NoError(t, err)
	return bot, api
}

// apiGet sends an authenticated GET request to the API
func apiGet(t testing.TB, api *API, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+testAPIToken)
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	return w
}

func decodeJSON[T any](t testing.TB, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestAPI_HealthCheck(t *testing.T) {
	t.Parallel()
	bot, api := newTestAPI(t)
	bot.asksInProgress.Add(2)

	// no auth needed
	req := httptest.NewRequest(http.MethodGet, apiHealthCheck, nil)
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(xRequestIDHeader))

	resp := decodeJSON[healthCheckResponse](t, w)
	assert.Equal(t, Version, resp.Version)
	assert.Equal(t, int64(2), resp.AsksInProgress)
	assert.False(t, resp.DiscordGatewayConnected)
	assert.Equal(t, 0, resp.ActiveAskSessions)
}

func TestAPI_Metrics(t *testing.T) {
	t.Parallel()
	_, api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, apiMetrics, nil)
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "askbot_active_ask_sessions")
}

func TestAPI_Unauthorized(t *testing.T) {
	t.Parallel()
	_, api := newTestAPI(t)
	path := apiPrefix + apiPathUsers

	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer wrong_token")
	w = httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", testAPIToken)
	w = httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPI_EmptyTokenRejectsEverything(t *testing.T) {
	t.Parallel()
	bot, _ := newTestBot(t)
	bot.config.API.Token = ""
	api, err := newAPI(bot, bot.config.API)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, apiPrefix+apiPathUsers, nil)
	req.Header.Set("Authorization", "Bearer ")
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPI_GetQuestion(t *testing.T) {
	t.Parallel()
	bot, api := newTestAPI(t)

	w := apiGet(t, api, apiPrefix+"/questions/missing")
	assert.Equal(t, http.StatusNotFound, w.Code)

	q, err := bot.questions.Create(
		context.Background(),
		&Question{UserID: "u1", QuestionText: "why?", AnswerText: "because"},
	)
	require.NoError(t, err)

	w = apiGet(t, api, apiPrefix+"/questions/"+q.ID)
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeJSON[Question](t, w)
	assert.Equal(t, q.ID, got.ID)
	assert.Equal(t, "because", got.AnswerText)
}

func TestAPI_UserStats(t *testing.T) {
	t.Parallel()
	bot, api := newTestAPI(t)
	u := newDiscordUser(t)

	w := apiGet(t, api, fmt.Sprintf("%s/users/%s/stats", apiPrefix, u.ID))
	assert.Equal(t, http.StatusNotFound, w.Code)

	createTestUser(t, bot, u)
	ctx := context.Background()
	for _, q := range []*Question{
		{UserID: u.ID, QuestionText: "a", IsFavorite: true},
		{UserID: u.ID, QuestionText: "b", Web: true},
		{UserID: u.ID, QuestionText: "c"},
	} {
		_, err := bot.questions.Create(ctx, q)
		require.NoError(t, err)
	}
	_, err := bot.writeDB.Create(ctx, &ChatThread{ID: "thread_" + u.ID, UserID: u.ID})
	require.NoError(t, err)

	w = apiGet(t, api, fmt.Sprintf("%s/users/%s/stats", apiPrefix, u.ID))
	require.Equal(t, http.StatusOK, w.Code)
	stats := decodeJSON[UserStats](t, w)
	assert.Equal(
		t,
		UserStats{
			UserID:    u.ID,
			AskUsage:  bot.config.Ask.TrialUsage,
			Questions: 3,
			Favorites: 1,
			WebSearch: 1,
			Threads:   1,
		},
		stats,
	)
}

func TestAPI_UserQuestions(t *testing.T) {
	t.Parallel()
	bot, api := newTestAPI(t)
	ctx := context.Background()

	for i, favorite := range []bool{true, false, true} {
		_, err := bot.questions.Create(
			ctx,
			&Question{
				UserID:       "u1",
				QuestionText: fmt.Sprintf("q%d", i),
				AskedAt:      int64(i + 1),
				IsFavorite:   favorite,
			},
		)
		require.NoError(t, err)
	}

	w := apiGet(t, api, apiPrefix+"/users/u1/questions")
	require.Equal(t, http.StatusOK, w.Code)
	questions := decodeJSON[[]Question](t, w)
	require.Len(t, questions, 3)
	assert.Equal(t, "q2", questions[0].QuestionText)

	w = apiGet(t, api, apiPrefix+"/users/u1/questions?favorites=true")
	require.Equal(t, http.StatusOK, w.Code)
	questions = decodeJSON[[]Question](t, w)
	require.Len(t, questions, 2)
	for _, q := range questions {
		assert.True(t, q.IsFavorite)
	}

	w = apiGet(t, api, apiPrefix+"/users/u1/questions?limit=1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeJSON[[]Question](t, w), 1)

	w = apiGet(t, api, apiPrefix+"/users/u1/questions?limit=500")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// users without questions get an empty list, not null
	w = apiGet(t, api, apiPrefix+"/users/nobody/questions")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestAPI_GetUsers(t *testing.T) {
	t.Parallel()
	bot, api := newTestAPI(t)

	users := []*discordgo.User{
		{ID: "user_b", Username: "b"},
		{ID: "user_a", Username: "a"},
	}
	for _, u := range users {
		createTestUser(t, bot, u)
	}
	_, err := bot.questions.Create(
		context.Background(),
		&Question{UserID: "user_a", QuestionText: "q"},
	)
	require.NoError(t, err)

	w := apiGet(t, api, apiPrefix+apiPathUsers)
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeJSON[[]User](t, w)
	require.Len(t, got, 2)
	assert.Equal(t, "user_a", got[0].ID)

	w = apiGet(t, api, apiPrefix+apiPathUsers+"?order=desc&limit=1")
	require.Equal(t, http.StatusOK, w.Code)
	got = decodeJSON[[]User](t, w)
	require.Len(t, got, 1)
	assert.Equal(t, "user_b", got[0].ID)

	w = apiGet(t, api, apiPrefix+apiPathUsers+"?include_stats=true")
	require.Equal(t, http.StatusOK, w.Code)
	withStats := decodeJSON[[]userWithStats](t, w)
	require.Len(t, withStats, 2)
	assert.Equal(t, "user_a", withStats[0].ID)
	assert.Equal(t, int64(1), withStats[0].UserStats.Questions)
	assert.Equal(t, int64(0), withStats[1].UserStats.Questions)

	w = apiGet(t, api, apiPrefix+apiPathUsers+"?order=sideways")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
