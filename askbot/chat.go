package askbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/sashabaranov/go-openai"
	"gorm.io/gorm"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"
)

const (
	columnChatThreadActive = "active"

	// discordMessageMaxLength is the maximum length of a message's content
	discordMessageMaxLength = 2000
)

// ChatThread is a discord thread started with `/chat`. Only the user who
// started it can talk in it, and only one reply is generated at a time.
//
//nolint:lll // struct tags can't be split
type ChatThread struct {
	// ID is the discord thread (channel) ID
	ID       string `json:"id" gorm:"primaryKey;type:string"`
	UserID   string `json:"user_id" gorm:"index;type:string"`
	GuildID  string `json:"guild_id" gorm:"type:string"`
	ParentID string `json:"parent_id" gorm:"type:string"`
	Locale   string `json:"locale" gorm:"type:string"`

	// Active is set while a reply is being generated
	Active bool `json:"active" gorm:"default:false"`

	// Messages is the conversation so far, sent in full with every
	// completion request
	Messages Turns `json:"messages" gorm:"serializer:json"`

	ModelUnixTime
}

// threadChat answers messages posted in [ChatThread] threads
type threadChat struct {
	session       DiscordSessionHandler
	db            DBI
	completion    chatCompleter
	catalog       *Catalog
	config        *ChatConfig
	model         string
	applicationID string
	logger        *slog.Logger

	// busy holds the IDs of threads with a reply in progress
	mu   sync.Mutex
	busy map[string]struct{}
}

func newThreadChat(
	session DiscordSessionHandler,
	db DBI,
	completion chatCompleter,
	catalog *Catalog,
	config *ChatConfig,
	model string,
	applicationID string,
	logger *slog.Logger,
) *threadChat {
	if logger == nil {
		logger = slog.Default()
	}
	return &threadChat{
		session:       session,
		db:            db,
		completion:    completion,
		catalog:       catalog,
		config:        config,
		model:         model,
		applicationID: applicationID,
		logger:        logger.With(loggerNameKey, "thread_chat"),
		busy:          map[string]struct{}{},
	}
}

func (c *threadChat) acquire(threadID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.busy[threadID]; ok {
		return false
	}
	c.busy[threadID] = struct{}{}
	return true
}

func (c *threadChat) release(threadID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.busy, threadID)
}

// getThread returns the ChatThread for the channel, or nil if the
// channel isn't a chat thread
func (c *threadChat) getThread(ctx context.Context, channelID string) (*ChatThread, error) {
	var thread ChatThread
	err := c.db.DB().WithContext(ctx).Where("id = ?", channelID).Take(&thread).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &thread, nil
}

// handleMessage replies to a message posted in a chat thread. Messages
// from anyone but the thread's owner, messages sent while a reply is in
// progress and empty messages are deleted.
func (c *threadChat) handleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == c.applicationID {
		return
	}
	if m.Type != discordgo.MessageTypeDefault {
		return
	}

	log := loggerFromContext(ctx, c.logger).With(
		"channel_id", m.ChannelID,
		"message_id", m.ID,
		"author_id", m.Author.ID,
	)

	thread, err := c.getThread(ctx, m.ChannelID)
	if err != nil {
		log.ErrorContext(ctx, "error getting chat thread", tint.Err(err))
		return
	}
	if thread == nil {
		return
	}
	locale := discordgo.Locale(thread.Locale)

	if thread.UserID != m.Author.ID {
		chatMessagesHandled.WithLabelValues("foreign").Inc()
		c.deleteMessage(ctx, log, m, locale)
		return
	}
	if !c.acquire(thread.ID) {
		chatMessagesHandled.WithLabelValues("busy").Inc()
		c.deleteMessage(ctx, log, m, locale)
		return
	}
	defer c.release(thread.ID)

	if strings.TrimSpace(m.Content) == "" {
		chatMessagesHandled.WithLabelValues("empty").Inc()
		c.deleteMessage(ctx, log, m, locale)
		return
	}

	if _, err = c.db.Update(ctx, thread, columnChatThreadActive, true); err != nil {
		log.ErrorContext(ctx, "error marking thread active", tint.Err(err))
	}
	thread.Messages = append(thread.Messages, Turn{Role: openai.ChatMessageRoleUser, Content: m.Content})

	if typingErr := c.session.ChannelTyping(thread.ID); typingErr != nil {
		log.WarnContext(ctx, "error sending typing indicator", tint.Err(typingErr))
	}

	content, _, err := c.completion.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model:       c.model,
			Messages:    thread.Messages.ChatMessages(),
			MaxTokens:   c.config.MaxTokens,
			Temperature: c.config.Temperature,
			User:        m.Author.ID,
		},
	)
	thread.Active = false
	if err != nil {
		chatMessagesHandled.WithLabelValues("error").Inc()
		log.ErrorContext(ctx, "error generating reply", tint.Err(err))
		if _, updErr := c.db.Update(ctx, thread, columnChatThreadActive, false); updErr != nil {
			log.ErrorContext(ctx, "error marking thread inactive", tint.Err(updErr))
		}
		if _, sendErr := c.session.ChannelMessageSend(
			thread.ID,
			c.catalog.T(locale, msgChatError, nil),
		); sendErr != nil {
			log.ErrorContext(ctx, "error sending error message", tint.Err(sendErr))
		}
		return
	}

	thread.Messages = append(
		thread.Messages,
		Turn{Role: openai.ChatMessageRoleAssistant, Content: content},
	)
	if _, err = c.db.Save(ctx, thread); err != nil {
		log.ErrorContext(ctx, "error saving chat thread", tint.Err(err))
	}

	for _, part := range splitReply(content, c.config.SplitThreshold) {
		if _, sendErr := c.session.ChannelMessageSend(thread.ID, part); sendErr != nil {
			log.ErrorContext(ctx, "error sending reply", tint.Err(sendErr))
			return
		}
	}
	chatMessagesHandled.WithLabelValues("replied").Inc()
}

func (c *threadChat) deleteMessage(
	ctx context.Context,
	log *slog.Logger,
	m *discordgo.MessageCreate,
	locale discordgo.Locale,
) {
	err := c.session.ChannelMessageDelete(m.ChannelID, m.ID)
	if err == nil {
		return
	}
	log.WarnContext(ctx, "error deleting message", tint.Err(err))
	if _, sendErr := c.session.ChannelMessageSend(
		m.ChannelID,
		c.catalog.T(locale, msgChatDeleteError, nil),
	); sendErr != nil {
		log.ErrorContext(ctx, "error sending delete error message", tint.Err(sendErr))
	}
}

// splitReply splits replies of threshold characters or more into two
// messages, at the middle line. Any part still too long for a single
// message is split further.
func splitReply(content string, threshold int) []string {
	if utf8.RuneCountInString(content) < threshold {
		return []string{content}
	}

	lines := strings.Split(content, "\n")
	half := len(lines) / 2
	candidates := []string{
		strings.Join(lines[:half], "\n"),
		strings.Join(lines[half:], "\n"),
	}

	parts := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		if strings.TrimSpace(candidate) == "" {
			continue
		}
		parts = append(parts, chunkString(candidate, discordMessageMaxLength)...)
	}
	return parts
}

// chunkString splits s into chunks of at most n runes
func chunkString(s string, n int) []string {
	runes := []rune(s)
	if len(runes) <= n {
		return []string{s}
	}
	chunks := make([]string, 0, len(runes)/n+1)
	for len(runes) > 0 {
		end := min(n, len(runes))
		chunks = append(chunks, string(runes[:end]))
		runes = runes[end:]
	}
	return chunks
}

// runChat executes `/chat`, starting a public thread in the current text
// channel which only the invoking user can talk in
func (b *Bot) runChat(ctx context.Context, handler InteractionHandler, u *User) {
	i := handler.GetInteraction()
	log := loggerFromContext(ctx, handler.Logger())
	locale := i.Locale

	if err := handler.Respond(ctx, deferredResponse(discordgo.MessageFlagsEphemeral)); err != nil {
		log.ErrorContext(ctx, "error acknowledging interaction", tint.Err(err))
		return
	}

	ch, err := b.discord.session.Channel(i.ChannelID)
	if err != nil {
		log.ErrorContext(ctx, "error getting channel", tint.Err(err), "channel_id", i.ChannelID)
	}
	if ch == nil || ch.Type != discordgo.ChannelTypeGuildText {
		b.editError(ctx, handler, b.catalog.T(locale, msgNotInTextChannel, nil))
		return
	}

	discordUser := getDiscordUser(i)
	name := limitString(
		b.catalog.T(locale, msgChatThreadName, map[string]any{"user": discordUser.Username}),
		100,
	)
	thread, err := b.discord.session.ThreadStart(
		ch.ID,
		name,
		discordgo.ChannelTypeGuildPublicThread,
		b.config.Chat.AutoArchive,
	)
	if err != nil {
		log.ErrorContext(ctx, "error starting thread", tint.Err(err))
		b.editError(ctx, handler, err.Error())
		return
	}

	record := &ChatThread{
		ID:       thread.ID,
		UserID:   u.ID,
		GuildID:  i.GuildID,
		ParentID: ch.ID,
		Locale:   string(locale),
		Messages: Turns{
			{
				Role: openai.ChatMessageRoleSystem,
				Content: b.catalog.T(
					locale,
					msgPromptDefault,
					map[string]any{"lang": b.catalog.Language(locale)},
				),
			},
		},
	}
	if _, err = b.writeDB.Create(ctx, record); err != nil {
		log.ErrorContext(ctx, "error creating chat thread", tint.Err(err))
		b.editError(ctx, handler, err.Error())
		return
	}

	if _, err = b.discord.session.ChannelMessageSend(
		thread.ID,
		b.catalog.T(locale, msgChatWelcome, map[string]any{"user": discordUser.Mention()}),
	); err != nil {
		log.ErrorContext(ctx, "error sending welcome message", tint.Err(err))
	}

	embeds := []*discordgo.MessageEmbed{
		simpleEmbed(
			b.catalog.T(locale, msgChatStarted, map[string]any{"thread": fmt.Sprintf("<#%s>", thread.ID)}),
			embedInfo,
		),
	}
	if _, err = handler.Edit(ctx, &discordgo.WebhookEdit{Embeds: &embeds}); err != nil {
		log.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	}
	log.InfoContext(ctx, "started chat thread", "thread_id", thread.ID)
}
