package askbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"time"
)

// askOptions are the options given to `/ask`
type askOptions struct {
	Prompt  string
	Web     bool
	Context string
}

func parseAskOptions(i *discordgo.InteractionCreate) askOptions {
	var opts askOptions
	optionMap := discordInteractionOptions(i)
	if opt, ok := optionMap[askOptionPrompt]; ok {
		opts.Prompt = opt.StringValue()
	}
	if opt, ok := optionMap[askOptionWeb]; ok {
		opts.Web = opt.BoolValue()
	}
	if opt, ok := optionMap[askOptionContext]; ok {
		opts.Context = opt.StringValue()
	}
	return opts
}

// runAsk executes `/ask`. Precondition failures (wrong channel type,
// active cooldown, no trial usage left) are reported without side effects.
// Otherwise the cooldown starts once the waiting embed is shown, and a
// [Question] is only created if an answer resolves. The answer is then
// rendered with its buttons, and its [AskSession] registered with the
// collector.
func (b *Bot) runAsk(ctx context.Context, handler InteractionHandler, u *User) {
	i := handler.GetInteraction()
	log := loggerFromContext(ctx, handler.Logger())
	locale := i.Locale

	if err := handler.Respond(ctx, deferredResponse(discordgo.MessageFlagsEphemeral)); err != nil {
		log.ErrorContext(ctx, "error acknowledging interaction", tint.Err(err))
		return
	}

	opts := parseAskOptions(i)

	ch, err := b.discord.session.Channel(i.ChannelID)
	if err != nil {
		log.ErrorContext(ctx, "error getting channel", tint.Err(err), "channel_id", i.ChannelID)
	}
	if !isTextChannel(ch) {
		log.WarnContext(ctx, "ask used outside of a text channel")
		b.editError(ctx, handler, b.catalog.T(locale, msgNotInTextChannel, nil))
		return
	}

	if b.cooldowns.Check(u.ID) {
		log.InfoContext(ctx, "user is in cooldown", "remaining", b.cooldowns.Remaining(u.ID))
		b.editError(
			ctx,
			handler,
			b.catalog.T(
				locale,
				msgAskCooldown,
				map[string]any{"s": cooldownSeconds(b.config.Ask.Cooldown(u.Premium))},
			),
		)
		return
	}

	if !u.HasAskUsage() {
		log.InfoContext(ctx, "user has no trial usage left")
		b.editError(ctx, handler, b.catalog.T(locale, msgAskTrial, nil))
		return
	}

	waiting := msgAskWaiting
	if opts.Web {
		waiting = msgAskWaitingWeb
	}
	embeds := []*discordgo.MessageEmbed{
		simpleEmbed(b.catalog.T(locale, waiting, nil), embedInfo),
	}
	if opts.Web && opts.Context != "" {
		embeds = append(
			embeds,
			simpleEmbed(b.catalog.T(locale, msgAskWarningWebContext, nil), embedError),
		)
	}
	if _, err = handler.Edit(ctx, &discordgo.WebhookEdit{Embeds: &embeds}); err != nil {
		log.ErrorContext(ctx, "error showing waiting message", tint.Err(err))
	}
	b.cooldowns.Set(u.ID, b.config.Ask.Cooldown(u.Premium))

	askedAt := time.Now().UTC()
	req := ResolveRequest{
		Prompt:  opts.Prompt,
		Premium: u.Premium,
		UserID:  u.ID,
		GuildID: i.GuildID,
	}

	// search answers can still be regenerated with completion, so the
	// turns are composed either way. Context only applies to completion.
	turnRequest := TurnRequest{UserID: u.ID, Locale: locale, Prompt: opts.Prompt}
	if opts.Web {
		req.Mode = ModeSearch
	} else {
		req.Mode = ModeCompletion
		turnRequest.ContextID = opts.Context
	}
	turns, err := ComposeTurns(ctx, b.questions, b.catalog, turnRequest)
	if err != nil {
		log.WarnContext(ctx, "error composing turns", tint.Err(err))
		b.editError(ctx, handler, userErrorMessage(b.catalog, locale, err))
		return
	}
	req.Turns = turns

	answer, err := b.resolver.Resolve(ctx, req)
	if err != nil {
		log.ErrorContext(ctx, "error resolving answer", "mode", req.Mode, tint.Err(err))
		b.editError(ctx, handler, userErrorMessage(b.catalog, locale, err))
		return
	}

	q := &Question{
		UserID:        u.ID,
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		InteractionID: i.ID,
		QuestionText:  opts.Prompt,
		AnswerText:    answer.Text,
		AskedAt:       askedAt.UnixMilli(),
		AnsweredAt:    answer.AnsweredAt.UnixMilli(),
		Web:           opts.Web,
		WebURLs:       answer.SourceURLs,
		Locale:        string(locale),
	}
	if q.WebURLs == nil {
		q.WebURLs = []string{}
	}
	if !opts.Web && opts.Context != "" {
		contextID := opts.Context
		q.ContextID = &contextID
	}
	created, err := b.questions.CreateAnswered(ctx, q, u.Premium)
	switch {
	case errors.Is(err, ErrAskUsageExhausted):
		// another ask spent the last answer while this one was resolving
		log.InfoContext(ctx, "user has no trial usage left after resolving")
		b.editError(ctx, handler, userErrorMessage(b.catalog, locale, err))
		return
	case err != nil:
		log.ErrorContext(ctx, "error creating question", tint.Err(err))
		b.editError(
			ctx,
			handler,
			userErrorMessage(b.catalog, locale, fmt.Errorf("%w: %w", ErrQuestionNotCreated, err)),
		)
		return
	}
	log = log.With("question", created)

	askUsageRemaining := u.AskUsage
	if !u.Premium {
		if refreshed := b.writeDB.ReloadUser(u.ID); refreshed != nil {
			askUsageRemaining = refreshed.AskUsage
		}
	}
	regenerateLimit := b.config.Ask.RegenerateLimit(u.Premium)

	s := &AskSession{
		Handler:           handler,
		DiscordUser:       getDiscordUser(i),
		UserID:            u.ID,
		GuildID:           i.GuildID,
		ChannelID:         i.ChannelID,
		Locale:            locale,
		Prompt:            opts.Prompt,
		Premium:           u.Premium,
		Web:               opts.Web,
		AskUsageRemaining: askUsageRemaining,
		Turns:             turns,
		QuestionID:        created.ID,
		RegenerateLimit:   regenerateLimit,
		RegenerateLocked:  regenerateLimit <= 0,
		AnswerText:        answer.Text,
		SourceURL:         answer.SourceURL,
		SourceURLs:        answer.SourceURLs,
	}

	answerEmbeds := []*discordgo.MessageEmbed{
		answerEmbed(b.catalog, locale, s.DiscordUser, s.AnswerText, s.SourceURLs),
	}
	components := askButtons(b.catalog, s, false, false)
	msg, err := handler.Edit(
		ctx,
		&discordgo.WebhookEdit{
			Embeds:     &answerEmbeds,
			Components: &components,
		},
	)
	if err != nil {
		log.ErrorContext(ctx, "error rendering answer", tint.Err(err))
		return
	}
	if msg == nil {
		if msg, err = handler.GetResponse(ctx); err != nil || msg == nil {
			log.ErrorContext(ctx, "unable to get answer message, buttons won't work", tint.Err(err))
			return
		}
	}

	s.MessageID = msg.ID
	log.InfoContext(ctx, "answered question", "session", s)
	b.collector.Register(s)
}

// editError replaces the interaction response with an error embed and
// no components
func (b *Bot) editError(ctx context.Context, handler InteractionHandler, msg string) {
	embeds := []*discordgo.MessageEmbed{
		errorEmbed(b.catalog, handler.GetInteraction().Locale, msg),
	}
	components := []discordgo.MessageComponent{}
	if _, err := handler.Edit(
		ctx,
		&discordgo.WebhookEdit{
			Embeds:     &embeds,
			Components: &components,
		},
	); err != nil {
		loggerFromContext(ctx, handler.Logger()).ErrorContext(
			ctx,
			"error showing error message",
			tint.Err(err),
		)
	}
}
