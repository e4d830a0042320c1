package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"guild-portal-service/metrics"
	"guild-portal-service/models"

	"github.com/bwmarrin/discordgo"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

var (
	DiscordAuthURL  = "https://discord.com/api/oauth2/authorize"
	DiscordTokenURL = "https://discord.com/api/oauth2/token"

	discordScopes = []string{"identify", "guilds"}
)

// Login pipeline stages.
const (
	StageTokenExchange = "token_exchange"
	StageProfileFetch  = "profile_fetch"
	StageMembership    = "membership_resolve"
)

var ErrMissingCode = errors.New("no code provided")

// StageError is a login failure tagged with the stage that produced it.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

type DiscordAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	GuildID      string
}

// DiscordAuthService runs the OAuth login: token exchange, profile fetch,
// then guild membership resolution with the bot credential.
type DiscordAuthService struct {
	oauth   *oauth2.Config
	bot     *discordgo.Session // nil skips membership resolution
	guildID string
	client  *http.Client
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewDiscordAuthService(cfg DiscordAuthConfig, bot *discordgo.Session, client *http.Client, logger *zap.Logger, m *metrics.Metrics) *DiscordAuthService {
	return &DiscordAuthService{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       discordScopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   DiscordAuthURL,
				TokenURL:  DiscordTokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		bot:     bot,
		guildID: cfg.GuildID,
		client:  client,
		logger:  logger,
		metrics: m,
	}
}

// AuthorizeURL is where the browser is sent to start a login.
func (s *DiscordAuthService) AuthorizeURL() (string, error) {
	if s.oauth.ClientID == "" {
		return "", ErrNotConfigured
	}
	return s.oauth.AuthCodeURL(""), nil
}

// Authenticate turns an authorization code into an AuthResult. Only the
// token exchange and profile stages can fail; membership problems degrade
// to a non-member result.
func (s *DiscordAuthService) Authenticate(ctx context.Context, code string) (*models.AuthResult, error) {
	if code == "" {
		return nil, ErrMissingCode
	}

	token, err := s.exchangeCode(ctx, code)
	if err != nil {
		return nil, &StageError{Stage: StageTokenExchange, Err: err}
	}

	user, err := s.fetchProfile(ctx, token)
	if err != nil {
		return nil, &StageError{Stage: StageProfileFetch, Err: err}
	}

	result := &models.AuthResult{
		ID:       user.ID,
		Username: user.Username,
	}
	if user.Avatar != "" {
		avatar := discordgo.EndpointUserAvatar(user.ID, user.Avatar)
		result.Avatar = &avatar
	}

	m := s.resolveMembership(ctx, user.ID)
	result.IsMember = m.isMember
	result.JoinedAt = m.joinedAt
	result.TopRole = m.topRole
	return result, nil
}

func (s *DiscordAuthService) httpContext(ctx context.Context) context.Context {
	if s.client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, s.client)
}

func (s *DiscordAuthService) exchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	start := time.Now()
	token, err := s.oauth.Exchange(s.httpContext(ctx), code)
	s.metrics.ObserveUpstream("token", start, err)
	if err != nil {
		return nil, err
	}
	if token.AccessToken == "" {
		return nil, errors.New("no access_token in token response")
	}
	return token, nil
}

func (s *DiscordAuthService) fetchProfile(ctx context.Context, token *oauth2.Token) (*discordgo.User, error) {
	session, err := NewDiscordSession("Bearer "+token.AccessToken, s.client)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	user, err := session.User("@me", discordgo.WithContext(ctx))
	s.metrics.ObserveUpstream("user", start, err)
	if err != nil {
		return nil, err
	}
	if user.ID == "" {
		return nil, errors.New("user response missing id")
	}
	return user, nil
}

type membership struct {
	isMember bool
	joinedAt *string
	topRole  *models.TopRole
}

// resolveMembership never fails. A lookup error other than 404 is logged
// and counted separately but reported to the browser as non-membership.
func (s *DiscordAuthService) resolveMembership(ctx context.Context, userID string) membership {
	logger := s.logger.With(zap.String("user_id", userID), zap.String("guild_id", s.guildID))

	if s.bot == nil {
		logger.Info("No bot token available for role fetch")
		s.metrics.MembershipLookup(metrics.MembershipSkipped)
		return membership{}
	}

	start := time.Now()
	member, err := s.bot.GuildMember(s.guildID, userID, discordgo.WithContext(ctx))
	s.metrics.ObserveUpstream("member", start, err)
	if err != nil {
		if isNotFound(err) {
			logger.Info("User is not a guild member")
			s.metrics.MembershipLookup(metrics.MembershipNotMember)
		} else {
			logMembershipError(logger, "Member lookup failed", err)
			s.metrics.MembershipLookup(metrics.MembershipLookupError)
		}
		return membership{}
	}

	s.metrics.MembershipLookup(metrics.MembershipMember)
	result := membership{isMember: true}
	if !member.JoinedAt.IsZero() {
		joined := member.JoinedAt.UTC().Format(time.RFC3339Nano)
		result.joinedAt = &joined
	}

	start = time.Now()
	roles, err := s.bot.GuildRoles(s.guildID, discordgo.WithContext(ctx))
	s.metrics.ObserveUpstream("roles", start, err)
	if err != nil {
		// Membership is already established; only the role badge is lost.
		logMembershipError(logger, "Role fetch failed", err)
		return result
	}

	result.topRole = TopRole(member.Roles, roles)
	if result.topRole == nil {
		logger.Debug("User has no roles")
	} else {
		logger.Debug("Top role determined", zap.String("role", result.topRole.Name))
	}
	return result
}

func logMembershipError(logger *zap.Logger, msg string, err error) {
	fields := []zap.Field{zap.Error(err)}
	if detail, ok := UpstreamDetail(err); ok {
		fields = append(fields, zap.Int("status", detail.Status), zap.String("body", detail.Body))
	}
	logger.Error(msg, fields...)
}

// TopRole picks the highest-position guild role whose id is in memberRoles.
func TopRole(memberRoles []string, guildRoles []*discordgo.Role) *models.TopRole {
	held := lo.Filter(guildRoles, func(r *discordgo.Role, _ int) bool {
		return r != nil && lo.Contains(memberRoles, r.ID)
	})
	if len(held) == 0 {
		return nil
	}
	sort.SliceStable(held, func(i, j int) bool {
		return held[i].Position > held[j].Position
	})
	return &models.TopRole{
		Name:  held[0].Name,
		Color: roleColor(held[0].Color, DefaultTopRoleColor),
	}
}

// EncodeAuthResult serializes r for the auth query parameter.
func EncodeAuthResult(r *models.AuthResult) (string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to encode auth result: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
