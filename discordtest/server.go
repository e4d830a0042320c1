// Package discordtest runs an in-process stand-in for the Discord REST API
// and OAuth token endpoint.
package discordtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
)

// Route names used by Fail and Calls.
const (
	RouteGuild  = "guild"
	RouteRoles  = "roles"
	RouteWidget = "widget"
	RouteMember = "member"
	RouteUser   = "user"
	RouteToken  = "token"
)

const BotToken = "test-bot-token"

type Server struct {
	*httptest.Server

	GuildID string

	mu      sync.Mutex
	guild   *discordgo.Guild
	roles   []*discordgo.Role
	widget  map[string]interface{}
	members map[string]*discordgo.Member
	users   map[string]*discordgo.User // by access token
	codes   map[string]string          // authorization code -> access token
	fail    map[string]int
	calls   map[string]int
}

// NewServer starts a fake for guildID and closes it when the test ends.
func NewServer(t testing.TB, guildID string) *Server {
	t.Helper()

	s := &Server{
		GuildID: guildID,
		guild: &discordgo.Guild{
			ID:                       guildID,
			Name:                     "Test Guild",
			ApproximateMemberCount:   120,
			ApproximatePresenceCount: 33,
			PremiumTier:              discordgo.PremiumTier2,
			PremiumSubscriptionCount: 9,
		},
		widget:  map[string]interface{}{"id": guildID, "name": "Test Guild", "presence_count": 33, "members": []interface{}{}},
		members: map[string]*discordgo.Member{},
		users:   map[string]*discordgo.User{},
		codes:   map[string]string{},
		fail:    map[string]int{},
		calls:   map[string]int{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/oauth2/token", s.handleToken)
	mux.HandleFunc("GET /api/{ver}/users/@me", s.handleUser)
	mux.HandleFunc("GET /api/{ver}/guilds/{gid}", s.handleGuild)
	mux.HandleFunc("GET /api/{ver}/guilds/{gid}/roles", s.handleRoles)
	mux.HandleFunc("GET /api/{ver}/guilds/{gid}/widget.json", s.handleWidget)
	mux.HandleFunc("GET /api/{ver}/guilds/{gid}/members/{uid}", s.handleMember)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Client returns an http.Client that sends every request to the fake,
// whatever host the request names.
func (s *Server) Client() *http.Client {
	target, _ := url.Parse(s.URL)
	return &http.Client{Transport: &rewriteTransport{target: target, base: http.DefaultTransport}}
}

func (s *Server) SetGuild(fn func(g *discordgo.Guild)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.guild)
}

func (s *Server) SetRoles(roles ...*discordgo.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles = roles
}

func (s *Server) SetWidgetMembers(members ...map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]interface{}, 0, len(members))
	for _, m := range members {
		list = append(list, m)
	}
	s.widget["members"] = list
}

func (s *Server) AddMember(m *discordgo.Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[m.User.ID] = m
}

// AddLogin makes code exchange for accessToken, which identifies user.
func (s *Server) AddLogin(code, accessToken string, user *discordgo.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code] = accessToken
	s.users[accessToken] = user
}

// Fail makes route answer with status until cleared with status 0.
func (s *Server) Fail(route string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.fail, route)
		return
	}
	s.fail[route] = status
}

func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// begin counts the call and reports whether a forced failure was written.
func (s *Server) begin(w http.ResponseWriter, route string) bool {
	s.mu.Lock()
	s.calls[route]++
	status, failing := s.fail[route]
	s.mu.Unlock()

	if failing {
		writeJSON(w, status, map[string]interface{}{"message": http.StatusText(status), "code": 0})
		return true
	}
	return false
}

func (s *Server) requireBot(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("Authorization") != "Bot "+BotToken {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"message": "401: Unauthorized", "code": 0})
		return false
	}
	return true
}

func (s *Server) knownGuild(w http.ResponseWriter, r *http.Request) bool {
	if r.PathValue("gid") != s.GuildID {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"message": "Unknown Guild", "code": discordgo.ErrCodeUnknownGuild})
		return false
	}
	return true
}

func (s *Server) handleGuild(w http.ResponseWriter, r *http.Request) {
	if s.begin(w, RouteGuild) || !s.requireBot(w, r) || !s.knownGuild(w, r) {
		return
	}
	s.mu.Lock()
	g := *s.guild
	s.mu.Unlock()
	if r.URL.Query().Get("with_counts") != "true" {
		g.ApproximateMemberCount = 0
		g.ApproximatePresenceCount = 0
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleRoles(w http.ResponseWriter, r *http.Request) {
	if s.begin(w, RouteRoles) || !s.requireBot(w, r) || !s.knownGuild(w, r) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	roles := s.roles
	if roles == nil {
		roles = []*discordgo.Role{}
	}
	writeJSON(w, http.StatusOK, roles)
}

func (s *Server) handleWidget(w http.ResponseWriter, r *http.Request) {
	if s.begin(w, RouteWidget) || !s.knownGuild(w, r) {
		return
	}
	if r.Header.Get("Authorization") != "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"message": "widget is anonymous", "code": 0})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, s.widget)
}

func (s *Server) handleMember(w http.ResponseWriter, r *http.Request) {
	if s.begin(w, RouteMember) || !s.requireBot(w, r) || !s.knownGuild(w, r) {
		return
	}
	s.mu.Lock()
	m, ok := s.members[r.PathValue("uid")]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"message": "Unknown Member", "code": discordgo.ErrCodeUnknownMember})
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	if s.begin(w, RouteUser) {
		return
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	u, ok := s.users[token]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"message": "401: Unauthorized", "code": 0})
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if s.begin(w, RouteToken) {
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	if r.PostForm.Get("grant_type") != "authorization_code" || r.PostForm.Get("client_id") == "" || r.PostForm.Get("redirect_uri") == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	s.mu.Lock()
	token, ok := s.codes[r.PostForm.Get("code")]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_grant",
			"error_description": `Invalid "code" in request.`,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  token,
		"token_type":    "Bearer",
		"expires_in":    604800,
		"refresh_token": "refresh-" + token,
		"scope":         "identify guilds",
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type rewriteTransport struct {
	target *url.URL
	base   http.RoundTripper
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.URL.Scheme = t.target.Scheme
	r.URL.Host = t.target.Host
	r.Host = t.target.Host
	return t.base.RoundTrip(r)
}
