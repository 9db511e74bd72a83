package chatbot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAdminUsername = "admin"
	testAdminPassword = "hunter2!"
)

func newTestAPI(t testing.TB) (*API, *ChatBot) {
	t.Helper()
	gin.DefaultWriter = io.Discard

	b := newTestChatBot(t, &mockProvider{})
	b.config.API.CORS.AllowOrigins = []string{"*"}
	b.logHandler = testLogger(t).Handler()
	b.discord = &Discord{config: b.config.Discord, logger: testLogger(t)}

	hashed, err := HashPassword(testAdminPassword)
	require.NoError(t, err)
	state, err := botState(context.Background(), b.db)
	require.NoError(t, err)
	err = b.db.Model(&state).Updates(map[string]any{
		"admin_username": testAdminUsername,
		"admin_password": hashed,
	}).Error
	require.NoError(t, err)

	api, err := newAPI(b, b.config.API)
	require.NoError(t, err)
	b.api = api
	return api, b
}

func apiRequest(
	t testing.TB,
	api *API,
	method string,
	path string,
	body any,
	cookies []*http.Cookie,
) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, cookie := range cookies {
		req.AddCookie(cookie)
	}
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	return w
}

// apiLogin authenticates as the test admin and returns the session
// cookies to attach to subsequent requests.
func apiLogin(t testing.TB, api *API) []*http.Cookie {
	t.Helper()
	w := apiRequest(t, api, http.MethodPost, apiPathLogin, userLogin{
		Username: testAdminUsername,
		Password: testAdminPassword,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)
	return cookies
}

func TestAPILogin(t *testing.T) {
	api, _ := newTestAPI(t)

	cookies := apiLogin(t, api)

	w := apiRequest(t, api, http.MethodGet, apiPrefix+apiPathLoggedIn, nil, cookies)
	require.Equal(t, http.StatusOK, w.Code)
	var resp loggedInResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, testAdminUsername, resp.Username)
}

func TestAPILoginBadPassword(t *testing.T) {
	api, _ := newTestAPI(t)

	w := apiRequest(t, api, http.MethodPost, apiPathLogin, userLogin{
		Username: testAdminUsername,
		Password: "not the password",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPILoginRateLimited(t *testing.T) {
	api, _ := newTestAPI(t)

	// The limiter allows one immediate attempt; the second is rejected
	// before credentials are even examined
	_ = apiRequest(t, api, http.MethodPost, apiPathLogin, userLogin{
		Username: testAdminUsername,
		Password: testAdminPassword,
	}, nil)
	w := apiRequest(t, api, http.MethodPost, apiPathLogin, userLogin{
		Username: testAdminUsername,
		Password: testAdminPassword,
	}, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestAPIUnauthorized(t *testing.T) {
	api, _ := newTestAPI(t)

	for _, path := range []string{
		apiPrefix + apiPathLoggedIn,
		apiPrefix + apiPathMemories,
		apiPrefix + apiPathWorldBook,
		apiPrefix + apiPathUsage,
	} {
		w := apiRequest(t, api, http.MethodGet, path, nil, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
}

func TestAPIHealthCheck(t *testing.T) {
	api, _ := newTestAPI(t)

	// No auth required
	w := apiRequest(t, api, http.MethodGet, apiHealthCheck, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp healthCheckResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.DiscordGatewayConnected)
	assert.Equal(t, Version, resp.Version)
}

func TestAPIMemoryCRUD(t *testing.T) {
	api, b := newTestAPI(t)
	cookies := apiLogin(t, api)

	w := apiRequest(t, api, http.MethodPost, apiPrefix+apiPathMemories, memoryPayload{
		Content:   "the server went down on friday",
		Timestamp: "2024-06-01T12:00:00Z",
	}, cookies)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		ID uint `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotZero(t, created.ID)

	// Memories created via the API carry the session username and source
	notes, err := b.knowledge.ListMemories(context.Background())
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0].Content, "api | admin")

	// Exact duplicates conflict
	w = apiRequest(t, api, http.MethodPost, apiPrefix+apiPathMemories, memoryPayload{
		Content:   "the server went down on friday",
		Timestamp: "2024-06-01T12:00:00Z",
	}, cookies)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = apiRequest(t, api, http.MethodGet, apiPrefix+apiPathMemories, nil, cookies)
	require.Equal(t, http.StatusOK, w.Code)
	var listed []MemoryNote
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	assert.Len(t, listed, 1)

	w = apiRequest(
		t,
		api,
		http.MethodPatch,
		fmt.Sprintf("%s/memory/%d", apiPrefix, created.ID),
		memoryPayload{Content: "the server went down on saturday"},
		cookies,
	)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = apiRequest(
		t,
		api,
		http.MethodDelete,
		fmt.Sprintf("%s/memory/%d", apiPrefix, created.ID),
		nil,
		cookies,
	)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = apiRequest(
		t,
		api,
		http.MethodDelete,
		fmt.Sprintf("%s/memory/%d", apiPrefix, created.ID),
		nil,
		cookies,
	)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPIMemoryInvalidID(t *testing.T) {
	api, _ := newTestAPI(t)
	cookies := apiLogin(t, api)

	for _, path := range []string{
		apiPrefix + "/memory/0",
		apiPrefix + "/memory/banana",
	} {
		w := apiRequest(t, api, http.MethodDelete, path, nil, cookies)
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
	}
}

func TestAPIWorldBookCRUD(t *testing.T) {
	api, b := newTestAPI(t)
	cookies := apiLogin(t, api)

	w := apiRequest(t, api, http.MethodPost, apiPrefix+apiPathWorldBook, worldBookPayload{
		Keywords: "tokyo, japan",
		Content:  "Tokyo is the capital of Japan.",
	}, cookies)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		ID uint `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	disabled := false
	w = apiRequest(
		t,
		api,
		http.MethodPatch,
		fmt.Sprintf("%s/world_book/%d", apiPrefix, created.ID),
		worldBookPayload{
			Keywords:     "tokyo",
			Content:      "Updated.",
			Enabled:      &disabled,
			LinkedUserID: "u1",
		},
		cookies,
	)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	entries, err := b.knowledge.ListWorldBookEntries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Enabled)
	assert.Equal(t, "u1", entries[0].LinkedUserID)

	w = apiRequest(
		t,
		api,
		http.MethodDelete,
		fmt.Sprintf("%s/world_book/%d", apiPrefix, created.ID),
		nil,
		cookies,
	)
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestAPIUsageStats(t *testing.T) {
	api, b := newTestAPI(t)
	cookies := apiLogin(t, api)

	b.usage.Record(
		context.Background(),
		"u1",
		ProviderOpenAI,
		"gpt-4o",
		TokenUsage{InputTokens: 100, OutputTokens: 50},
	)

	w := apiRequest(t, api, http.MethodGet, apiPrefix+apiPathUsage+"?hours=1", nil, cookies)
	require.Equal(t, http.StatusOK, w.Code)
	var stats UsageStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.Requests)
	assert.Equal(t, int64(150), stats.TotalTokens)

	w = apiRequest(t, api, http.MethodGet, apiPrefix+apiPathUsage+"?hours=nope", nil, cookies)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIQuotaStatus(t *testing.T) {
	api, b := newTestAPI(t)
	cookies := apiLogin(t, api)

	b.quota.CommitPostRequest("u1", 100, 50)

	w := apiRequest(t, api, http.MethodGet, apiPrefix+"/quota/u1", nil, cookies)
	require.Equal(t, http.StatusOK, w.Code)
	var usage QuotaUsage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &usage))
	assert.Equal(t, 1, usage.MessageCount)
	assert.Equal(t, 150, usage.TotalTokens)
}

func TestAPILogout(t *testing.T) {
	api, _ := newTestAPI(t)
	cookies := apiLogin(t, api)

	w := apiRequest(t, api, http.MethodPost, apiPathLogout, nil, cookies)
	require.Equal(t, http.StatusOK, w.Code)

	// The cleared cookie comes back; using it must not authenticate
	cleared := w.Result().Cookies()
	w = apiRequest(t, api, http.MethodGet, apiPrefix+apiPathMemories, nil, cleared)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPIRequestIDHeader(t *testing.T) {
	api, _ := newTestAPI(t)

	w := apiRequest(t, api, http.MethodGet, apiHealthCheck, nil, nil)
	assert.Len(t, w.Header().Get(xRequestIDHeader), 32)
}
