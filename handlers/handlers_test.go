package handlers

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"guild-portal-service/database"
	"guild-portal-service/discordtest"
	"guild-portal-service/metrics"
	"guild-portal-service/middleware"
	"guild-portal-service/services"
	"guild-portal-service/utils"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testGuildID     = "1426635201542623314"
	testFrontendURL = "http://localhost:5173"
	testTokenSecret = "handlers-test-secret"
	testPassword    = "hunter2"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testApp struct {
	router    *gin.Engine
	fake      *discordtest.Server
	store     database.DocumentStore
	uploadDir string
	distDir   string
	metrics   *metrics.Metrics
}

type appOptions struct {
	noBot          bool
	noClientID     bool
	trustedProxies []string
}

func newTestApp(t *testing.T, opts appOptions) *testApp {
	t.Helper()
	logger := zap.NewNop()
	fake := discordtest.NewServer(t, testGuildID)
	m := metrics.New()

	store, err := database.NewFileStore(t.TempDir())
	require.NoError(t, err)

	var bot *discordgo.Session
	var fetcher services.StatsFetcher
	if !opts.noBot {
		bot, err = services.NewDiscordSession("Bot "+discordtest.BotToken, fake.Client())
		require.NoError(t, err)
		anon, err := services.NewDiscordSession("", fake.Client())
		require.NoError(t, err)
		fetcher = services.NewDiscordStatsFetcher(bot, anon, testGuildID, logger, m)
	}

	cache := services.NewCacheStore(store, database.StatsCacheKey, logger)
	stats := services.NewStatsService(cache, fetcher, time.Minute, logger, m)

	authCfg := services.DiscordAuthConfig{
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		RedirectURI:  testFrontendURL + "/api/auth/callback",
		GuildID:      testGuildID,
	}
	if opts.noClientID {
		authCfg.ClientID = ""
	}
	auth := services.NewDiscordAuthService(authCfg, bot, fake.Client(), logger, m)

	uploadDir := t.TempDir()
	distDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(distDir, "index.html"), []byte("<html>spa</html>"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(distDir, "assets"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(distDir, "assets", "app.js"), []byte("console.log(1)"), 0644))

	h := Handlers{
		Stats: NewStatsHandler(stats, logger),
		OAuth: NewOAuthHandler(auth, testFrontendURL, logger, m),
		Admin: &AdminHandler{
			Password:    testPassword,
			TokenSecret: testTokenSecret,
			TokenTTL:    time.Hour,
			Turnstile:   utils.NewTurnstileVerifier(false, "", "", logger),
			Logger:      logger,
		},
		Content: &ContentHandler{Content: services.NewContentService(store, logger), Logger: logger},
		Events:  &EventHandler{Events: services.NewEventService(store, logger), Logger: logger},
		Uploads: &UploadHandler{Uploads: services.NewUploadService(uploadDir, UploadsPath, logger), Logger: logger},
	}

	router, err := NewRouter(h, RouterOptions{
		AdminTokenSecret: testTokenSecret,
		LoginLimiter:     middleware.NewRateLimiter(10, time.Minute, 5*time.Minute),
		Metrics:          m,
		Logger:           logger,
		UploadDir:        uploadDir,
		TrustedProxies:   opts.trustedProxies,
		DistDir:          distDir,
	})
	require.NoError(t, err)

	return &testApp{router: router, fake: fake, store: store, uploadDir: uploadDir, distDir: distDir, metrics: m}
}

func (a *testApp) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *testApp) get(path string) *httptest.ResponseRecorder {
	return a.do(httptest.NewRequest(http.MethodGet, path, nil))
}

func (a *testApp) send(method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return a.do(req)
}

func adminToken(t *testing.T) string {
	t.Helper()
	token, _, err := utils.GenerateAdminToken(testTokenSecret, time.Hour)
	require.NoError(t, err)
	return token
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestHealth(t *testing.T) {
	app := newTestApp(t, appOptions{})
	w := app.get("/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	app := newTestApp(t, appOptions{})
	app.get("/api/discord-stats")

	w := app.get("/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `discord_stats_requests_total{outcome="fetched"} 1`)
}

func TestUnknownAPIRouteIsJSON404(t *testing.T) {
	app := newTestApp(t, appOptions{})
	w := app.get("/api/nope")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"Not found"}`, w.Body.String())
}

func TestSPAFallback(t *testing.T) {
	app := newTestApp(t, appOptions{})

	w := app.get("/assets/app.js")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "console.log(1)", w.Body.String())

	w = app.get("/events/upcoming")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "spa")

	w = app.get("/../../etc/passwd")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "spa")
}

func TestAdminLogin(t *testing.T) {
	app := newTestApp(t, appOptions{})

	w := app.send(http.MethodPost, "/api/login", "", `{"password":"hunter2"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Success   bool   `json:"success"`
		Token     string `json:"token"`
		ExpiresIn int    `json:"expires_in"`
	}
	decodeJSON(t, w, &body)
	assert.True(t, body.Success)
	assert.Equal(t, 3600, body.ExpiresIn)

	w = app.send(http.MethodPost, "/api/content", body.Token, `{"hero":"hi"}`)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminLoginWrongPassword(t *testing.T) {
	app := newTestApp(t, appOptions{})

	w := app.send(http.MethodPost, "/api/login", "", `{"password":"admin123"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"success":false,"message":"Invalid password"}`, w.Body.String())

	w = app.send(http.MethodPost, "/api/login", "", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminLoginRateLimited(t *testing.T) {
	app := newTestApp(t, appOptions{})

	for i := 0; i < 10; i++ {
		w := app.send(http.MethodPost, "/api/login", "", `{"password":"guess"}`)
		require.Equal(t, http.StatusUnauthorized, w.Code)
	}
	w := app.send(http.MethodPost, "/api/login", "", `{"password":"hunter2"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func loginFrom(forwardedFor string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(`{"password":"guess"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", forwardedFor)
	return req
}

func TestAdminLoginRateLimitIgnoresForwardedFor(t *testing.T) {
	app := newTestApp(t, appOptions{})

	for i := 0; i < 10; i++ {
		w := app.do(loginFrom(fmt.Sprintf("198.51.100.%d", i+1)))
		require.Equal(t, http.StatusUnauthorized, w.Code)
	}
	w := app.do(loginFrom("198.51.100.200"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestAdminLoginRateLimitTrustedProxy(t *testing.T) {
	// httptest requests arrive from 192.0.2.1.
	app := newTestApp(t, appOptions{trustedProxies: []string{"192.0.2.1"}})

	for i := 0; i < 10; i++ {
		w := app.do(loginFrom("198.51.100.7"))
		require.Equal(t, http.StatusUnauthorized, w.Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, app.do(loginFrom("198.51.100.7")).Code)
	assert.Equal(t, http.StatusUnauthorized, app.do(loginFrom("198.51.100.8")).Code)
}

func TestNewRouterRejectsBadTrustedProxy(t *testing.T) {
	_, err := NewRouter(Handlers{}, RouterOptions{TrustedProxies: []string{"not-an-ip"}, Logger: zap.NewNop()})
	assert.Error(t, err)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	app := newTestApp(t, appOptions{})

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/api/content"},
		{http.MethodPost, "/api/events"},
		{http.MethodDelete, "/api/events/e1"},
		{http.MethodPost, "/api/upload"},
	} {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			w := app.send(tc.method, tc.path, "mnxmn-admin-token-secret", `{}`)
			assert.Equal(t, http.StatusForbidden, w.Code)
			assert.JSONEq(t, `{"success":false,"error":"Unauthorized"}`, w.Body.String())
		})
	}
}

func TestContentRoundTrip(t *testing.T) {
	app := newTestApp(t, appOptions{})
	token := adminToken(t)

	w := app.get("/api/content")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{}`, w.Body.String())

	w = app.send(http.MethodPost, "/api/content", token, `{"hero":{"title":"Hi"},"about":"text"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true}`, w.Body.String())

	w = app.send(http.MethodPost, "/api/content", token, `{"about":"new text"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = app.get("/api/content")
	assert.JSONEq(t, `{"hero":{"title":"Hi"},"about":"new text"}`, w.Body.String())
}

func TestContentRejectsNonObject(t *testing.T) {
	app := newTestApp(t, appOptions{})
	token := adminToken(t)

	for _, body := range []string{`[1,2]`, `null`, `"text"`, `{`} {
		w := app.send(http.MethodPost, "/api/content", token, body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}

func TestContentReadFailure(t *testing.T) {
	app := newTestApp(t, appOptions{})
	require.NoError(t, app.store.Save(database.ContentKey, []byte(`{broken`)))

	w := app.get("/api/content")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestEventsLifecycle(t *testing.T) {
	app := newTestApp(t, appOptions{})
	token := adminToken(t)

	w := app.get("/api/events")
	assert.JSONEq(t, `[]`, w.Body.String())

	w = app.send(http.MethodPost, "/api/events", token, `{"title":"Late","date":"2026-12-01","location":"voice"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var created struct {
		Success bool                       `json:"success"`
		Event   map[string]json.RawMessage `json:"event"`
	}
	decodeJSON(t, w, &created)
	assert.True(t, created.Success)
	var id string
	require.NoError(t, json.Unmarshal(created.Event["id"], &id))
	assert.NotEmpty(t, id)
	assert.JSONEq(t, `"voice"`, string(created.Event["location"]))

	w = app.send(http.MethodPost, "/api/events", token, `{"id":"early","title":"Early","date":"2026-02-01"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = app.get("/api/events")
	var listed []map[string]interface{}
	decodeJSON(t, w, &listed)
	require.Len(t, listed, 2)
	assert.Equal(t, "early", listed[0]["id"])
	assert.Equal(t, id, listed[1]["id"])

	w = app.send(http.MethodDelete, "/api/events/"+id, token, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true}`, w.Body.String())

	w = app.send(http.MethodDelete, "/api/events/does-not-exist", token, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = app.get("/api/events")
	decodeJSON(t, w, &listed)
	require.Len(t, listed, 1)
	assert.Equal(t, "early", listed[0]["id"])
}

func uploadRequest(t *testing.T, token, contentType string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", `form-data; name="image"; filename="shot.png"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func testPNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	img.Set(0, 0, color.RGBA{G: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestUploadImage(t *testing.T) {
	app := newTestApp(t, appOptions{})

	w := app.do(uploadRequest(t, adminToken(t), "image/png", testPNG(t, 800, 400)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Success       bool   `json:"success"`
		FilePath      string `json:"filePath"`
		ThumbnailPath string `json:"thumbnailPath"`
	}
	decodeJSON(t, w, &body)
	assert.True(t, body.Success)
	assert.True(t, strings.HasPrefix(body.FilePath, "/gallery-uploads/moment-"), body.FilePath)
	assert.True(t, strings.HasPrefix(body.ThumbnailPath, "/gallery-uploads/thumbs/"), body.ThumbnailPath)

	served := app.get(body.FilePath)
	assert.Equal(t, http.StatusOK, served.Code)
	assert.Equal(t, testPNG(t, 800, 400), served.Body.Bytes())
}

func TestUploadValidation(t *testing.T) {
	app := newTestApp(t, appOptions{})
	token := adminToken(t)

	w := app.do(uploadRequest(t, token, "text/plain", []byte("hello")))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	big := append(testPNG(t, 4, 4), make([]byte, services.MaxUploadSize)...)
	w = app.do(uploadRequest(t, token, "image/png", big))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/upload", strings.NewReader(""))
	req.Header.Set("Authorization", "Bearer "+token)
	w = app.do(req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"success":false,"error":"No file uploaded"}`, w.Body.String())
}

func TestUploadRejectsMarkup(t *testing.T) {
	app := newTestApp(t, appOptions{})

	w := app.do(uploadRequest(t, adminToken(t), "image/svg+xml", []byte("<html><script>alert(1)</script></html>")))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	entries, err := os.ReadDir(app.uploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDiscordStats(t *testing.T) {
	app := newTestApp(t, appOptions{})
	app.fake.SetRoles(&discordgo.Role{ID: "r1", Name: "Officer", Position: 2, Color: 0x1abc9c, Hoist: true})

	w := app.get("/api/discord-stats")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "fetch", w.Header().Get("X-Cache"))
	assert.JSONEq(t, `{
		"name": "Test Guild",
		"totalMembers": 120,
		"onlineMembers": 33,
		"premiumTier": 2,
		"premiumSubscriptionCount": 9,
		"roles": [{"name": "Officer", "color": "#1abc9c", "id": "r1"}],
		"members": []
	}`, w.Body.String())

	w = app.get("/api/discord-stats")
	assert.Equal(t, "cache", w.Header().Get("X-Cache"))
	assert.Equal(t, 1, app.fake.Calls(discordtest.RouteGuild))
}

func TestDiscordStatsPassesWidgetMembersThrough(t *testing.T) {
	app := newTestApp(t, appOptions{})
	app.fake.SetWidgetMembers(map[string]interface{}{
		"id": "0", "username": "ren", "status": "idle", "game": map[string]interface{}{"name": "Factorio"}, "self_mute": true,
	})

	for _, source := range []string{"fetch", "cache"} {
		w := app.get("/api/discord-stats")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, source, w.Header().Get("X-Cache"))

		var body struct {
			Members []map[string]interface{} `json:"members"`
		}
		decodeJSON(t, w, &body)
		require.Len(t, body.Members, 1)
		assert.Equal(t, map[string]interface{}{"name": "Factorio"}, body.Members[0]["game"])
		assert.Equal(t, true, body.Members[0]["self_mute"])
	}
}

func TestDiscordStatsUpstreamFailure(t *testing.T) {
	app := newTestApp(t, appOptions{})
	app.fake.Fail(discordtest.RouteGuild, http.StatusUnauthorized)

	w := app.get("/api/discord-stats")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var body map[string]string
	decodeJSON(t, w, &body)
	assert.Equal(t, "Failed to fetch Discord data", body["error"])
	assert.Contains(t, body["details"], "Unauthorized")
}

func TestDiscordStatsServesStaleOnFailure(t *testing.T) {
	app := newTestApp(t, appOptions{})
	require.NoError(t, app.store.Save(database.StatsCacheKey, []byte(`{"data":{"name":"Old Guild"},"lastFetch":1}`)))
	app.fake.Fail(discordtest.RouteRoles, http.StatusBadGateway)

	w := app.get("/api/discord-stats")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "stale", w.Header().Get("X-Cache"))
	assert.Equal(t, 1, app.fake.Calls(discordtest.RouteRoles))
	assert.JSONEq(t, `{"name":"Old Guild"}`, w.Body.String())
}

func TestDiscordStatsWithoutBotToken(t *testing.T) {
	app := newTestApp(t, appOptions{noBot: true})

	w := app.get("/api/discord-stats")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"Server misconfiguration: No Bot Token"}`, w.Body.String())
	assert.Equal(t, 0, app.fake.Calls(discordtest.RouteGuild))
}

func TestOAuthLoginRedirect(t *testing.T) {
	app := newTestApp(t, appOptions{})

	w := app.get("/api/auth/login")
	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "discord.com", loc.Host)
	assert.Equal(t, "client-1", loc.Query().Get("client_id"))
	assert.Equal(t, testFrontendURL+"/api/auth/callback", loc.Query().Get("redirect_uri"))
}

func TestOAuthLoginNotConfigured(t *testing.T) {
	app := newTestApp(t, appOptions{noClientID: true})

	w := app.get("/api/auth/login")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Server missing DISCORD_CLIENT_ID", w.Body.String())
}

func TestOAuthCallbackMissingCode(t *testing.T) {
	app := newTestApp(t, appOptions{})

	w := app.get("/api/auth/callback")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "No code provided", w.Body.String())
	assert.Empty(t, w.Header().Get("Location"))
}

func callbackQuery(t *testing.T, w *httptest.ResponseRecorder) url.Values {
	t.Helper()
	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "localhost:5173", loc.Host)
	assert.Equal(t, "/", loc.Path)
	return loc.Query()
}

func TestOAuthCallbackMember(t *testing.T) {
	app := newTestApp(t, appOptions{})
	app.fake.SetRoles(&discordgo.Role{ID: "r-mod", Name: "Moderator", Position: 3})
	app.fake.AddLogin("code-1", "access-1", &discordgo.User{ID: "42", Username: "kai"})
	app.fake.AddMember(&discordgo.Member{
		User:     &discordgo.User{ID: "42"},
		JoinedAt: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
		Roles:    []string{"r-mod"},
	})

	q := callbackQuery(t, app.get("/api/auth/callback?code=code-1"))
	assert.Empty(t, q.Get("auth_error"))

	raw, err := base64.StdEncoding.DecodeString(q.Get("auth"))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": "42",
		"username": "kai",
		"avatar": null,
		"isMember": true,
		"joined_at": "2025-05-01T00:00:00Z",
		"topRole": {"name": "Moderator", "color": "#b9bbbe"}
	}`, string(raw))
}

func TestOAuthCallbackNonMember(t *testing.T) {
	app := newTestApp(t, appOptions{})
	app.fake.AddLogin("code-2", "access-2", &discordgo.User{ID: "77", Username: "visitor", Avatar: "hash"})

	q := callbackQuery(t, app.get("/api/auth/callback?code=code-2"))
	raw, err := base64.StdEncoding.DecodeString(q.Get("auth"))
	require.NoError(t, err)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &payload))
	assert.Equal(t, false, payload["isMember"])
	assert.Nil(t, payload["topRole"])
	assert.Nil(t, payload["joined_at"])
	assert.Equal(t, "https://cdn.discordapp.com/avatars/77/hash.png", payload["avatar"])
}

func TestOAuthCallbackExchangeFailure(t *testing.T) {
	app := newTestApp(t, appOptions{})

	q := callbackQuery(t, app.get("/api/auth/callback?code=stale-code"))
	assert.Empty(t, q.Get("auth"))
	assert.Contains(t, q.Get("auth_error"), "invalid_grant")
}

func TestOAuthCallbackProfileFailure(t *testing.T) {
	app := newTestApp(t, appOptions{})
	app.fake.AddLogin("code-3", "access-3", &discordgo.User{ID: "5", Username: "x"})
	app.fake.Fail(discordtest.RouteUser, http.StatusInternalServerError)

	q := callbackQuery(t, app.get("/api/auth/callback?code=code-3"))
	assert.NotEmpty(t, q.Get("auth_error"))
}
