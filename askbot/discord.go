package askbot

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"sync/atomic"
	"time"
)

const (
	DiscordSlashCommandAsk   = "ask"
	DiscordSlashCommandChat  = "chat"
	DiscordSlashCommandUsage = "usage"

	askOptionPrompt  = "prompt"
	askOptionWeb     = "web"
	askOptionContext = "context"

	// discordInteractionTokenLifespan defines the lifespan of a Discord interaction token.
	// Discord interaction tokens currently expire after 15 minutes.
	discordInteractionTokenLifespan = 15 * time.Minute

	askPromptMaxLength = 2000
)

// Discord manages the discord session, and the bot's slash commands
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	catalog                     *Catalog
	logger                      *slog.Logger
	publicKey                   ed25519.PublicKey
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig, catalog *Catalog) (*Discord, error) {
	d := &Discord{
		config:                      config,
		catalog:                     catalog,
		discordgoRemoveHandlerFuncs: []func(){},
		logger:                      newComponentLogger("discord", config.LogLevel),
	}

	if config.WebhookServer.PublicKey != "" {
		publicKey, err := hex.DecodeString(config.WebhookServer.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("error decoding public key: %w", err)
		}
		d.publicKey = ed25519.PublicKey(publicKey)
	}

	return d, nil
}

// newSession initializes a new Discord session for the Discord struct.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// appCommandAsk returns the `/ask` command. Guild-only, since answers
// are revealed to a channel.
func (d *Discord) appCommandAsk() *discordgo.ApplicationCommand {
	minLength := 1
	dmPerm := false
	contexts := []discordgo.InteractionContextType{
		discordgo.InteractionContextGuild,
	}

	return &discordgo.ApplicationCommand{
		Name:                     DiscordSlashCommandAsk,
		Description:              d.catalog.T(defaultLocale, msgAskDescription, nil),
		DescriptionLocalizations: d.catalog.Localizations(msgAskDescription),
		DMPermission:             &dmPerm,
		Contexts:                 &contexts,
		Type:                     discordgo.ChatApplicationCommand,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:                     discordgo.ApplicationCommandOptionString,
				Name:                     askOptionPrompt,
				Description:              d.catalog.T(defaultLocale, msgAskOptionPrompt, nil),
				DescriptionLocalizations: *d.catalog.Localizations(msgAskOptionPrompt),
				Required:                 true,
				MinLength:                &minLength,
				MaxLength:                askPromptMaxLength,
			},
			{
				Type:                     discordgo.ApplicationCommandOptionBoolean,
				Name:                     askOptionWeb,
				Description:              d.catalog.T(defaultLocale, msgAskOptionWeb, nil),
				DescriptionLocalizations: *d.catalog.Localizations(msgAskOptionWeb),
			},
			{
				Type:                     discordgo.ApplicationCommandOptionString,
				Name:                     askOptionContext,
				Description:              d.catalog.T(defaultLocale, msgAskOptionContext, nil),
				DescriptionLocalizations: *d.catalog.Localizations(msgAskOptionContext),
			},
		},
	}
}

// appCommandChat returns the `/chat` command, which starts a thread
func (d *Discord) appCommandChat() *discordgo.ApplicationCommand {
	dmPerm := false
	contexts := []discordgo.InteractionContextType{
		discordgo.InteractionContextGuild,
	}
	return &discordgo.ApplicationCommand{
		Name:                     DiscordSlashCommandChat,
		Description:              d.catalog.T(defaultLocale, msgChatDescription, nil),
		DescriptionLocalizations: d.catalog.Localizations(msgChatDescription),
		DMPermission:             &dmPerm,
		Contexts:                 &contexts,
		Type:                     discordgo.ChatApplicationCommand,
	}
}

func (d *Discord) appCommandUsage() *discordgo.ApplicationCommand {
	contexts := []discordgo.InteractionContextType{
		discordgo.InteractionContextGuild,
		discordgo.InteractionContextBotDM,
	}
	return &discordgo.ApplicationCommand{
		Name:                     DiscordSlashCommandUsage,
		Description:              d.catalog.T(defaultLocale, msgUsageDescription, nil),
		DescriptionLocalizations: d.catalog.Localizations(msgUsageDescription),
		Contexts:                 &contexts,
		Type:                     discordgo.ChatApplicationCommand,
	}
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	commands := []*discordgo.ApplicationCommand{
		d.appCommandAsk(),
		d.appCommandChat(),
		d.appCommandUsage(),
	}

	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	if len(created) == 0 {
		return created, errors.New("no commands created")
	}
	return created, nil
}

// channelMessageSend sends the given message to the given discord channel ID
func (d *Discord) channelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) error {
	_, err := d.session.ChannelMessageSend(channelID, message, opts...)
	return err
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		attrs := []any{"session_id", r.SessionID}
		if r.User != nil {
			attrs = append(attrs, columnUserID, r.User.ID, "username", r.User.Username)
		}
		d.logger.Info("Ready", attrs...)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, r *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("Connected")

		if d.config.NotificationChannelID != "" && d.config.StartupMessage != "" {
			if sendErr := d.channelMessageSend(
				d.config.NotificationChannelID,
				d.config.StartupMessage,
				discordgo.WithRetryOnRatelimit(false),
				discordgo.WithRestRetries(1),
			); sendErr != nil {
				d.logger.Error("unable to send startup message", tint.Err(sendErr))
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, r *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected")
	}
}

// DiscordSessionHandler defines the interface for handling Discord sessions.
// This is basically defines methods from `discordgo.Session` which are
// used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// ChannelMessageSend sends a message to a specified channel.
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendComplex sends a message with embeds and/or
	// components to a channel
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageDelete deletes a message from a channel
	ChannelMessageDelete(
		channelID string,
		messageID string,
		opts ...discordgo.RequestOption,
	) error

	// Channel retrieves a channel by ID
	Channel(channelID string, opts ...discordgo.RequestOption) (*discordgo.Channel, error)

	// ChannelTyping shows the bot as typing in the channel
	ChannelTyping(channelID string, opts ...discordgo.RequestOption) error

	// ThreadStart starts a thread that isn't attached to a message
	ThreadStart(
		channelID string,
		name string,
		typ discordgo.ChannelType,
		archiveDuration int,
		opts ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// ApplicationCommandBulkOverwrite overwrites Discord application commands in bulk.
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponse gets the response to an interaction
	InteractionResponse(
		interaction *discordgo.Interaction,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// InteractionResponseEdit modifies the given interaction
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// InteractionResponseDelete deletes the given interaction
	InteractionResponseDelete(
		interaction *discordgo.Interaction,
		options ...discordgo.RequestOption,
	) error

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponse(
	interaction *discordgo.Interaction,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponse(interaction, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) InteractionResponseDelete(
	interaction *discordgo.Interaction,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionResponseDelete(interaction, options...)
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, data, opts...)
	if err != nil {
		d.logger.Error("error sending message", tint.Err(err), "channel_id", channelID)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	opts ...discordgo.RequestOption,
) error {
	return d.session.ChannelMessageDelete(channelID, messageID, opts...)
}

func (d DiscordSession) Channel(
	channelID string,
	opts ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.Channel(channelID, opts...)
}

func (d DiscordSession) ChannelTyping(channelID string, opts ...discordgo.RequestOption) error {
	return d.session.ChannelTyping(channelID, opts...)
}

func (d DiscordSession) ThreadStart(
	channelID string,
	name string,
	typ discordgo.ChannelType,
	archiveDuration int,
	opts ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	ch, err := d.session.ThreadStart(channelID, name, typ, archiveDuration, opts...)
	if err != nil {
		d.logger.Error("error starting thread", tint.Err(err), "channel_id", channelID)
	} else {
		d.logger.Info("started thread", "channel_id", channelID, "thread_id", ch.ID)
	}
	return ch, err
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c.Name, "id", c.ID)
	}
	return created, nil
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

// isTextChannel reports whether answers can be posted in the channel:
// guild text channels, announcement channels and threads
func isTextChannel(ch *discordgo.Channel) bool {
	if ch == nil {
		return false
	}
	switch ch.Type {
	case discordgo.ChannelTypeGuildText,
		discordgo.ChannelTypeGuildNews,
		discordgo.ChannelTypeGuildPublicThread,
		discordgo.ChannelTypeGuildPrivateThread,
		discordgo.ChannelTypeGuildNewsThread:
		return true
	default:
		return false
	}
}
