package askbot

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"strings"
)

// runUsage executes `/usage`, showing the user's remaining answers along
// with how many questions they've asked and favorited
func (b *Bot) runUsage(ctx context.Context, handler InteractionHandler, u *User) {
	i := handler.GetInteraction()
	log := loggerFromContext(ctx, handler.Logger())

	if err := handler.Respond(ctx, deferredResponse(discordgo.MessageFlagsEphemeral)); err != nil {
		log.ErrorContext(ctx, "error acknowledging interaction", tint.Err(err))
		return
	}

	stats, err := u.getStats(ctx, b.db)
	if err != nil {
		// counts that were retrieved are still shown
		log.ErrorContext(ctx, "error getting user stats", tint.Err(err))
	}

	embeds := []*discordgo.MessageEmbed{usageEmbed(b.catalog, i.Locale, getDiscordUser(i), stats)}
	if _, err = handler.Edit(ctx, &discordgo.WebhookEdit{Embeds: &embeds}); err != nil {
		log.ErrorContext(ctx, "error showing usage", tint.Err(err))
	}
}

func usageEmbed(
	catalog *Catalog,
	locale discordgo.Locale,
	u *discordgo.User,
	stats UserStats,
) *discordgo.MessageEmbed {
	var sb strings.Builder
	if stats.Premium {
		sb.WriteString(catalog.T(locale, msgUsageUnlimited, nil))
	} else {
		sb.WriteString(catalog.T(locale, msgUsageRemaining, map[string]any{"n": stats.AskUsage}))
	}
	sb.WriteString("\n")
	sb.WriteString(catalog.T(locale, msgUsageQuestions, map[string]any{"n": stats.Questions}))
	sb.WriteString("\n")
	sb.WriteString(catalog.T(locale, msgUsageFavorites, map[string]any{"n": stats.Favorites}))

	embed := answerEmbedWithDescription(sb.String(), u)
	embed.Title = catalog.T(locale, msgUsageTitle, nil)
	return embed
}
