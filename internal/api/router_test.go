package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/clickroll/internal/config"
	"github.com/rcourtman/clickroll/internal/ingest"
	"github.com/rcourtman/clickroll/internal/notifications"
	"github.com/rcourtman/clickroll/internal/ratelimit"
	"github.com/rcourtman/clickroll/internal/store"
	"github.com/rcourtman/clickroll/internal/turnstile"
	"github.com/rcourtman/clickroll/internal/websocket"
)

type testEnv struct {
	handler http.Handler
	store   *store.Store
	guard   *ratelimit.Guard
}

func newTestEnv(t *testing.T, thresholds ratelimit.Thresholds, verifyOK bool) *testEnv {
	t.Helper()

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	verifySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"success":%t}`, verifyOK)
	}))
	t.Cleanup(verifySrv.Close)

	cfg := &config.Config{
		AllowedOrigins:      "https://example.com",
		RateSecondThreshold: thresholds.SecondThreshold,
		RateMinuteThreshold: thresholds.MinuteThreshold,
		RateHourThreshold:   thresholds.HourThreshold,
	}
	guard := ratelimit.New(thresholds)
	hub := websocket.NewHub(nil)
	ing := ingest.New(st, hub, ingest.Milestones{Step: 100_000, Grand: 1_000_000})
	verifier := turnstile.New("test-secret", turnstile.WithVerifyURL(verifySrv.URL))
	mailer := notifications.New(notifications.Config{})

	return &testEnv{
		handler: NewRouter(cfg, st, guard, ing, verifier, mailer, hub),
		store:   st,
		guard:   guard,
	}
}

func postClick(t *testing.T, env *testEnv, ip string, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/clicks", bytes.NewReader(payload))
	req.Header.Set("X-Forwarded-For", ip)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func TestClickHappyPath(t *testing.T) {
	env := newTestEnv(t, ratelimit.DefaultThresholds(), true)

	weekday := 3
	rec := postClick(t, env, "203.0.113.7", map[string]any{
		"localHour":    14,
		"localWeekday": weekday,
		"countryCode":  "se",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var res clickResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, int64(1), res.Second.Count)
	assert.Equal(t, int64(1), res.Total)
	require.NotNil(t, res.LocalHour)
	assert.Equal(t, 14, res.LocalHour.Index)
	require.NotNil(t, res.LocalWeekday)
	assert.Equal(t, 3, res.LocalWeekday.Index)
	assert.Nil(t, res.LocalMonth)
	assert.Equal(t, "SE", res.Country.Code)
	assert.Equal(t, int64(1), res.Country.Count)
}

func TestClickCountryFromHeader(t *testing.T) {
	env := newTestEnv(t, ratelimit.DefaultThresholds(), true)

	payload, _ := json.Marshal(map[string]any{"localHour": 9})
	req := httptest.NewRequest(http.MethodPost, "/api/clicks", bytes.NewReader(payload))
	req.Header.Set("CF-IPCountry", "DE")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var res clickResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "DE", res.Country.Code)
}

func TestClickChallengeFlow(t *testing.T) {
	thresholds := ratelimit.DefaultThresholds()
	thresholds.SecondThreshold = 2
	env := newTestEnv(t, thresholds, true)

	rec := postClick(t, env, "198.51.100.9", map[string]any{"localHour": 1})
	require.Equal(t, http.StatusOK, rec.Code)

	// Second click in the same window trips the guard.
	rec = postClick(t, env, "198.51.100.9", map[string]any{"localHour": 1})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var status ratelimit.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.RequiresTurnstile)
	assert.Equal(t, 2, status.SecondCount)

	// A token accepted by the verifier clears the guard and counts the click.
	rec = postClick(t, env, "198.51.100.9", map[string]any{"localHour": 1, "turnstileToken": "tok"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, env.guard.CheckStatus("198.51.100.9").RequiresTurnstile)
}

func TestClickChallengeRejectsBadToken(t *testing.T) {
	thresholds := ratelimit.DefaultThresholds()
	thresholds.SecondThreshold = 1
	env := newTestEnv(t, thresholds, false)

	rec := postClick(t, env, "198.51.100.10", map[string]any{"localHour": 1, "turnstileToken": "bad"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestClickInvalidBody(t *testing.T) {
	env := newTestEnv(t, ratelimit.DefaultThresholds(), true)

	req := httptest.NewRequest(http.MethodPost, "/api/clicks", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClickMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, ratelimit.DefaultThresholds(), true)

	req := httptest.NewRequest(http.MethodGet, "/api/clicks", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestReadEndpoints(t *testing.T) {
	env := newTestEnv(t, ratelimit.DefaultThresholds(), true)

	for i := 0; i < 3; i++ {
		rec := postClick(t, env, "203.0.113.20", map[string]any{"localHour": 8, "countryCode": "NO"})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	cases := []struct {
		path string
		want int
	}{
		{"/api/seconds", 60},
		{"/api/minutes", 60},
		{"/api/hours", 24},
		{"/api/days", 31},
		{"/api/months", 12},
		{"/api/years", 50},
		{"/api/local-hours", 24},
		{"/api/local-weekdays", 7},
		{"/api/local-months", 12},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, tc.path)

		var buckets []store.Bucket
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &buckets), tc.path)
		assert.Len(t, buckets, tc.want, tc.path)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/total-clicks", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var total map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &total))
	assert.Equal(t, int64(3), total["count"])

	req = httptest.NewRequest(http.MethodGet, "/api/countries", nil)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var countries []store.CountryCount
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &countries))
	found := false
	for _, c := range countries {
		if c.Code == "NO" {
			found = true
			assert.Equal(t, int64(3), c.Count)
		}
	}
	assert.True(t, found, "expected NO in country list")
}

func TestTurnstileStatusUnknownClient(t *testing.T) {
	env := newTestEnv(t, ratelimit.DefaultThresholds(), true)

	req := httptest.NewRequest(http.MethodGet, "/api/turnstile/status", nil)
	req.Header.Set("X-Forwarded-For", "192.0.2.55")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var status ratelimit.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status.RequiresTurnstile)
	// A status probe must not count as activity.
	assert.Zero(t, env.guard.TrackedClients())
}

func TestTurnstileVerifyEndpoint(t *testing.T) {
	thresholds := ratelimit.DefaultThresholds()
	thresholds.SecondThreshold = 1
	env := newTestEnv(t, thresholds, true)

	rec := postClick(t, env, "192.0.2.77", map[string]any{"localHour": 1})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	payload, _ := json.Marshal(map[string]string{"token": "tok"})
	req := httptest.NewRequest(http.MethodPost, "/api/turnstile/verify", bytes.NewReader(payload))
	req.Header.Set("X-Forwarded-For", "192.0.2.77")
	verifyRec := httptest.NewRecorder()
	env.handler.ServeHTTP(verifyRec, req)

	require.Equal(t, http.StatusOK, verifyRec.Code)
	var res map[string]bool
	require.NoError(t, json.Unmarshal(verifyRec.Body.Bytes(), &res))
	assert.True(t, res["success"])
	assert.False(t, env.guard.CheckStatus("192.0.2.77").RequiresTurnstile)
}

func TestDonationRequests(t *testing.T) {
	env := newTestEnv(t, ratelimit.DefaultThresholds(), true)

	payload, _ := json.Marshal(map[string]any{
		"milestone": 100_000,
		"name":      "Ada",
		"message":   "Ocean cleanup",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/donation-requests", bytes.NewReader(payload))
	req.Header.Set("CF-IPCountry", "SE")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created store.DonationRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, int64(100_000), created.Milestone)
	assert.Equal(t, "SE", created.Country)

	req = httptest.NewRequest(http.MethodGet, "/api/donation-requests", nil)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var list []store.DonationRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)
	assert.Equal(t, "Ada", list[0].Name)
}

func TestDonationRequestInvalidMilestone(t *testing.T) {
	env := newTestEnv(t, ratelimit.DefaultThresholds(), true)

	payload, _ := json.Marshal(map[string]any{"milestone": 0})
	req := httptest.NewRequest(http.MethodPost, "/api/donation-requests", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, ratelimit.DefaultThresholds(), true)

	req := httptest.NewRequest(http.MethodOptions, "/api/clicks", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestCORSDisallowedOrigin(t *testing.T) {
	env := newTestEnv(t, ratelimit.DefaultThresholds(), true)

	req := httptest.NewRequest(http.MethodGet, "/api/total-clicks", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, ratelimit.DefaultThresholds(), true)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}
