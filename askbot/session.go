package askbot

import (
	"context"
	"errors"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"sync"
)

// ButtonAction identifies a button on an answer. The value is the
// button's custom ID.
type ButtonAction string

const (
	ButtonReveal     ButtonAction = "reveal"
	ButtonFavorite   ButtonAction = "favorite"
	ButtonQRCode     ButtonAction = "qrcode"
	ButtonRegenerate ButtonAction = "regenerate"
	ButtonReturn     ButtonAction = "return"

	// buttonUsageCustomID is the (always disabled) remaining usage
	// indicator shown to standard users
	buttonUsageCustomID = "usage"
)

// AskSession is the state of one answered `/ask`, for as long as its
// buttons are collected. It isn't persisted, so buttons stop working
// after a restart.
type AskSession struct {
	// Handler is the `/ask` interaction. The answer is its (ephemeral)
	// response, which every button handler edits.
	Handler InteractionHandler

	DiscordUser *discordgo.User
	UserID      string
	GuildID     string
	ChannelID   string
	Locale      discordgo.Locale
	Prompt      string
	Premium     bool
	Web         bool

	// AskUsageRemaining is shown on the usage button for standard users
	AskUsageRemaining int

	// Turns is the conversation the answer was generated from, reused
	// when regenerating
	Turns Turns

	QuestionID string
	MessageID  string

	RegenerateLimit int

	AnswerText string
	SourceURL  *string
	SourceURLs []string

	Favorited        bool
	RegenerateCount  int
	RegenerateLocked bool

	// PublicURL is the URL of the uploaded QR code, nil until the
	// qrcode button is first clicked
	PublicURL *string

	// revealed is set once the answer is posted to the channel, after
	// which the session is done
	revealed bool

	mu sync.Mutex
}

// LogValue reads s without locking. Once registered with a [Collector],
// s is only logged by button handlers, which hold s.mu.
func (s *AskSession) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("question_id", s.QuestionID),
		slog.String("message_id", s.MessageID),
		slog.String("user_id", s.UserID),
		slog.Bool("web", s.Web),
		slog.Bool("favorited", s.Favorited),
		slog.Int("regenerate_count", s.RegenerateCount),
		slog.Bool("regenerate_locked", s.RegenerateLocked),
		slog.Bool("has_qr_code", s.PublicURL != nil),
	)
}

// buttonHandler handles one [ButtonAction]. reads and mutates list the
// [AskSession] fields the handler depends on and changes.
type buttonHandler struct {
	handle  func(ctx context.Context, s *AskSession, i *discordgo.InteractionCreate) error
	reads   []string
	mutates []string

	// terminal handlers end the session
	terminal bool
}

// AskDispatcher executes button clicks on answers
type AskDispatcher struct {
	session  DiscordSessionHandler
	resolver *AnswerResolver
	store    *QuestionStore
	storage  ObjectStorage
	catalog  *Catalog
	logger   *slog.Logger
	handlers map[ButtonAction]buttonHandler
}

func NewAskDispatcher(
	session DiscordSessionHandler,
	resolver *AnswerResolver,
	store *QuestionStore,
	storage ObjectStorage,
	catalog *Catalog,
	logger *slog.Logger,
) *AskDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &AskDispatcher{
		session:  session,
		resolver: resolver,
		store:    store,
		storage:  storage,
		catalog:  catalog,
		logger:   logger.With(loggerNameKey, "ask_dispatcher"),
	}
	d.handlers = map[ButtonAction]buttonHandler{
		ButtonReveal: {
			handle:   d.reveal,
			reads:    []string{"AnswerText", "SourceURL", "SourceURLs"},
			mutates:  []string{"revealed"},
			terminal: true,
		},
		ButtonFavorite: {
			handle:  d.favorite,
			reads:   []string{"Favorited", "RegenerateLocked", "SourceURL"},
			mutates: []string{"Favorited"},
		},
		ButtonQRCode: {
			handle:  d.qrCode,
			reads:   []string{"AnswerText", "PublicURL"},
			mutates: []string{"PublicURL"},
		},
		ButtonRegenerate: {
			handle: d.regenerate,
			reads:  []string{"Turns", "RegenerateCount", "RegenerateLocked", "Favorited"},
			mutates: []string{
				"AnswerText",
				"SourceURL",
				"SourceURLs",
				"RegenerateCount",
				"RegenerateLocked",
			},
		},
		ButtonReturn: {
			handle: d.restore,
			reads:  []string{"AnswerText", "SourceURLs", "Favorited", "RegenerateLocked", "SourceURL"},
		},
	}
	return d
}

// Dispatch runs the handler for the given action. It returns true if the
// handler ended the session.
func (d *AskDispatcher) Dispatch(
	ctx context.Context,
	s *AskSession,
	action ButtonAction,
	i *discordgo.InteractionCreate,
) (bool, error) {
	h, ok := d.handlers[action]
	if !ok {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.revealed {
		return true, nil
	}

	log := loggerFromContext(ctx, d.logger)
	log.DebugContext(
		ctx,
		"dispatching button",
		"action", action,
		"reads", h.reads,
		"mutates", h.mutates,
		"session", s,
	)
	interactionsReceived.WithLabelValues(string(action)).Inc()
	err := h.handle(ctx, s, i)
	return h.terminal && s.revealed, err
}

// render edits the answer message, replacing its embeds and buttons
func (d *AskDispatcher) render(
	ctx context.Context,
	s *AskSession,
	embeds []*discordgo.MessageEmbed,
	components []discordgo.MessageComponent,
) error {
	edit := &discordgo.WebhookEdit{Components: &components}
	if embeds != nil {
		edit.Embeds = &embeds
	}
	_, err := s.Handler.Edit(ctx, edit)
	return err
}

func (d *AskDispatcher) renderAnswer(ctx context.Context, s *AskSession) error {
	return d.render(
		ctx,
		s,
		[]*discordgo.MessageEmbed{
			answerEmbed(d.catalog, s.Locale, s.DiscordUser, s.AnswerText, s.SourceURLs),
		},
		askButtons(d.catalog, s, false, false),
	)
}

func (d *AskDispatcher) renderError(ctx context.Context, s *AskSession, msg string) error {
	embeds := []*discordgo.MessageEmbed{errorEmbed(d.catalog, s.Locale, msg)}
	_, err := s.Handler.Edit(ctx, &discordgo.WebhookEdit{Embeds: &embeds})
	return err
}

// reveal posts the answer to the channel, then collapses the private
// answer to a notice with no buttons. The buttons are removed even if
// posting fails.
func (d *AskDispatcher) reveal(
	ctx context.Context,
	s *AskSession,
	_ *discordgo.InteractionCreate,
) error {
	log := loggerFromContext(ctx, d.logger)

	msg := &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{
			answerPublicEmbed(
				d.catalog,
				s.Locale,
				s.DiscordUser,
				s.AnswerText,
				s.Prompt,
				s.SourceURLs,
			),
		},
	}
	if s.Web && s.SourceURL != nil && *s.SourceURL != "" {
		msg.Components = buttonRows(knowMoreButton(d.catalog, s.Locale, *s.SourceURL))
	}

	s.revealed = true
	if _, err := d.session.ChannelMessageSendComplex(s.ChannelID, msg); err != nil {
		log.ErrorContext(
			ctx,
			"error revealing answer",
			tint.Err(err),
			"channel_id", s.ChannelID,
		)
		return d.render(
			ctx,
			s,
			[]*discordgo.MessageEmbed{
				errorEmbed(d.catalog, s.Locale, d.catalog.T(s.Locale, msgAskRevealError, nil)),
			},
			[]discordgo.MessageComponent{},
		)
	}

	return d.render(
		ctx,
		s,
		[]*discordgo.MessageEmbed{
			simpleEmbed(d.catalog.T(s.Locale, msgAskRevealed, nil), embedInfo),
		},
		[]discordgo.MessageComponent{},
	)
}

// favorite toggles the favorite flag. The button is disabled while the
// toggle is persisted, then re-enabled in its new state.
func (d *AskDispatcher) favorite(
	ctx context.Context,
	s *AskSession,
	_ *discordgo.InteractionCreate,
) error {
	log := loggerFromContext(ctx, d.logger)

	if err := d.render(ctx, s, nil, askButtons(d.catalog, s, false, true)); err != nil {
		log.ErrorContext(ctx, "error disabling favorite button", tint.Err(err))
	}

	s.Favorited = !s.Favorited
	favorited := s.Favorited
	if err := d.store.Update(
		ctx,
		s.QuestionID,
		QuestionUpdate{IsFavorite: &favorited},
	); err != nil {
		log.ErrorContext(ctx, "error saving favorite", tint.Err(err), "session", s)
	}

	return d.render(ctx, s, nil, askButtons(d.catalog, s, false, false))
}

// qrCode shows the answer as a QR code image. The image is only rendered
// and uploaded once per session.
func (d *AskDispatcher) qrCode(
	ctx context.Context,
	s *AskSession,
	i *discordgo.InteractionCreate,
) error {
	log := loggerFromContext(ctx, d.logger)

	if s.PublicURL == nil {
		messageID := s.MessageID
		if i != nil && i.Message != nil && i.Message.ID != "" {
			messageID = i.Message.ID
		}
		text := d.catalog.T(
			s.Locale,
			msgAskQRCode,
			map[string]any{
				"question": limitString(s.Prompt, qrCodeMaxQuestion),
				"lang":     d.catalog.Language(s.Locale),
				"response": s.AnswerText,
			},
		)
		publicURL, err := uploadQRCode(ctx, d.storage, qrCodePath(s.UserID, messageID), text)
		if err != nil {
			log.ErrorContext(ctx, "error uploading qr code", tint.Err(err))
			msg := err.Error()
			if errors.Is(err, errNoPublicURL) {
				msg = d.catalog.T(s.Locale, msgAskNoPublicURL, nil)
			}
			return d.renderError(ctx, s, msg)
		}
		s.PublicURL = &publicURL

		if updErr := d.store.Update(
			ctx,
			s.QuestionID,
			QuestionUpdate{QRCodeURL: &publicURL},
		); updErr != nil {
			log.ErrorContext(ctx, "error saving qr code url", tint.Err(updErr))
		}
	}

	return d.render(
		ctx,
		s,
		[]*discordgo.MessageEmbed{
			qrCodeEmbed(d.catalog, s.Locale, s.DiscordUser, *s.PublicURL),
		},
		returnButtons(),
	)
}

// regenerate replaces the answer with a new completion. Once the
// session's limit is reached, the button is disabled for good.
func (d *AskDispatcher) regenerate(
	ctx context.Context,
	s *AskSession,
	_ *discordgo.InteractionCreate,
) error {
	log := loggerFromContext(ctx, d.logger)

	if s.RegenerateLocked {
		return d.render(ctx, s, nil, askButtons(d.catalog, s, false, false))
	}

	s.RegenerateCount++
	if s.RegenerateCount <= s.RegenerateLimit {
		if err := d.render(
			ctx,
			s,
			[]*discordgo.MessageEmbed{
				simpleEmbed(d.catalog.T(s.Locale, msgAskRegenerate, nil), embedInfo),
			},
			askButtons(d.catalog, s, true, false),
		); err != nil {
			log.ErrorContext(ctx, "error rendering regenerate notice", tint.Err(err))
		}

		answer, err := d.resolver.Regenerate(
			ctx,
			ResolveRequest{
				Turns:   s.Turns,
				Premium: s.Premium,
				UserID:  s.UserID,
				GuildID: s.GuildID,
			},
		)
		if err != nil {
			log.ErrorContext(ctx, "error regenerating answer", tint.Err(err))
			if s.RegenerateCount >= s.RegenerateLimit {
				s.RegenerateLocked = true
			}
			return d.render(
				ctx,
				s,
				[]*discordgo.MessageEmbed{
					errorEmbed(d.catalog, s.Locale, userErrorMessage(d.catalog, s.Locale, err)),
				},
				askButtons(d.catalog, s, false, false),
			)
		}
		s.AnswerText = answer.Text
		s.SourceURL = nil
		s.SourceURLs = nil
	}

	if s.RegenerateCount >= s.RegenerateLimit {
		s.RegenerateLocked = true
	}
	return d.renderAnswer(ctx, s)
}

// restore returns from the QR code view to the answer
func (d *AskDispatcher) restore(
	ctx context.Context,
	s *AskSession,
	_ *discordgo.InteractionCreate,
) error {
	return d.renderAnswer(ctx, s)
}

// userErrorMessage returns the localized text for known errors, or the
// error's own message
func userErrorMessage(catalog *Catalog, locale discordgo.Locale, err error) string {
	switch {
	case errors.Is(err, ErrNoMessageInResponse):
		return catalog.T(locale, msgAskNoMessage, nil)
	case errors.Is(err, ErrContextQuestionNotFound):
		return catalog.T(locale, msgAskContextNotFound, nil)
	case errors.Is(err, ErrAskUsageExhausted):
		return catalog.T(locale, msgAskTrial, nil)
	case errors.Is(err, ErrQuestionNotCreated):
		return catalog.T(locale, msgAskNotCreated, nil)
	default:
		return err.Error()
	}
}
