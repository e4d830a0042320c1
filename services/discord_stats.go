package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"guild-portal-service/metrics"
	"guild-portal-service/models"

	"github.com/bwmarrin/discordgo"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const maxDisplayedRoles = 8

// DiscordStatsFetcher assembles guild statistics from the guild, roles and
// widget endpoints.
type DiscordStatsFetcher struct {
	bot     *discordgo.Session
	anon    *discordgo.Session
	guildID string
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewDiscordStatsFetcher uses bot for the authenticated guild calls and
// anon for the public widget.
func NewDiscordStatsFetcher(bot, anon *discordgo.Session, guildID string, logger *zap.Logger, m *metrics.Metrics) *DiscordStatsFetcher {
	return &DiscordStatsFetcher{
		bot:     bot,
		anon:    anon,
		guildID: guildID,
		logger:  logger,
		metrics: m,
	}
}

// FetchStats runs the three calls concurrently. Guild or roles failures fail
// the fetch; a widget failure only empties Members.
func (f *DiscordStatsFetcher) FetchStats(ctx context.Context) (*models.StatsResult, error) {
	var (
		guild   *discordgo.Guild
		roles   []*discordgo.Role
		members []json.RawMessage
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		start := time.Now()
		var err error
		guild, err = f.bot.GuildWithCounts(f.guildID, discordgo.WithContext(gctx))
		f.metrics.ObserveUpstream("guild", start, err)
		if err != nil {
			return fmt.Errorf("failed to fetch guild: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		start := time.Now()
		var err error
		roles, err = f.bot.GuildRoles(f.guildID, discordgo.WithContext(gctx))
		f.metrics.ObserveUpstream("roles", start, err)
		if err != nil {
			return fmt.Errorf("failed to fetch roles: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		members = f.fetchWidgetMembers(gctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &models.StatsResult{
		Name:                     guild.Name,
		TotalMembers:             models.Unknown(),
		OnlineMembers:            models.Unknown(),
		PremiumTier:              models.KnownCount(int(guild.PremiumTier)),
		PremiumSubscriptionCount: models.KnownCount(guild.PremiumSubscriptionCount),
		Roles:                    PublicRoles(roles, f.guildID),
		Members:                  members,
	}
	// Discord leaves approximate counts at zero when it does not supply them.
	if guild.ApproximateMemberCount > 0 {
		result.TotalMembers = models.KnownCount(guild.ApproximateMemberCount)
		result.OnlineMembers = models.KnownCount(guild.ApproximatePresenceCount)
	}
	return result, nil
}

func (f *DiscordStatsFetcher) fetchWidgetMembers(ctx context.Context) []json.RawMessage {
	start := time.Now()
	widget, err := f.fetchWidget(ctx)
	f.metrics.ObserveUpstream("widget", start, err)
	if err != nil {
		f.logger.Warn("Widget fetch error", zap.String("guild_id", f.guildID), zap.Error(err))
		return []json.RawMessage{}
	}
	if widget.Members == nil {
		return []json.RawMessage{}
	}
	return widget.Members
}

func (f *DiscordStatsFetcher) fetchWidget(ctx context.Context) (*models.GuildWidget, error) {
	body, err := f.anon.Request("GET", discordgo.EndpointGuilds+f.guildID+"/widget.json", nil, discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	var widget models.GuildWidget
	if err := json.Unmarshal(body, &widget); err != nil {
		return nil, fmt.Errorf("failed to parse widget: %w", err)
	}
	return &widget, nil
}

// PublicRoles keeps hoisted, unmanaged roles other than @everyone, highest
// position first, limited to the first eight.
func PublicRoles(roles []*discordgo.Role, guildID string) []models.RoleSummary {
	public := lo.Filter(roles, func(r *discordgo.Role, _ int) bool {
		return r != nil && r.Hoist && !r.Managed && r.Name != "@everyone" && r.ID != guildID
	})
	sort.SliceStable(public, func(i, j int) bool {
		return public[i].Position > public[j].Position
	})
	if len(public) > maxDisplayedRoles {
		public = public[:maxDisplayedRoles]
	}
	return lo.Map(public, func(r *discordgo.Role, _ int) models.RoleSummary {
		return models.RoleSummary{
			Name:  r.Name,
			Color: roleColor(r.Color, DefaultRoleColor),
			ID:    r.ID,
		}
	})
}
