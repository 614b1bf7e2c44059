package askbot

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func TestRegisterCommands(t *testing.T) {
	t.Parallel()
	bot, session := newTestBot(t)

	created, err := bot.RegisterSlashCommands()
	require.NoError(t, err)
	require.Len(t, created, 3)

	names := make([]string, 0, len(created))
	for _, c := range created {
		names = append(names, c.Name)
	}
	assert.ElementsMatch(
		t,
		[]string{DiscordSlashCommandAsk, DiscordSlashCommandChat, DiscordSlashCommandUsage},
		names,
	)

	commands := session.registeredCommands()
	require.Len(t, commands, 3)
	ask := commands[0]
	assert.Equal(t, DiscordSlashCommandAsk, ask.Name)
	require.Len(t, ask.Options, 3)
	assert.True(t, ask.Options[0].Required)
	assert.Equal(t, askPromptMaxLength, ask.Options[0].MaxLength)

	// fr.yaml provides a localized description
	require.NotNil(t, ask.DescriptionLocalizations)
	assert.NotEmpty(t, (*ask.DescriptionLocalizations)[discordgo.French])
}

func TestIsTextChannel(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		channel  *discordgo.Channel
		expected bool
	}{
		{channel: nil, expected: false},
		{channel: &discordgo.Channel{Type: discordgo.ChannelTypeGuildText}, expected: true},
		{channel: &discordgo.Channel{Type: discordgo.ChannelTypeGuildPublicThread}, expected: true},
		{channel: &discordgo.Channel{Type: discordgo.ChannelTypeGuildNews}, expected: true},
		{channel: &discordgo.Channel{Type: discordgo.ChannelTypeDM}, expected: false},
		{channel: &discordgo.Channel{Type: discordgo.ChannelTypeGuildVoice}, expected: false},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.expected, isTextChannel(tc.channel), "channel: %#v", tc.channel)
	}
}

func TestDiscord_HandlersConnectDisconnect(t *testing.T) {
	t.Parallel()
	bot, session := newTestBot(t)
	bot.config.Discord.NotificationChannelID = "notifications"

	bot.discord.handlerConnect()(nil, &discordgo.Connect{})
	assert.True(t, bot.discord.connected.Load())
	assert.Equal(t, int64(1), bot.discord.metricConnects.Load())

	sent := session.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "notifications", sent[0].ChannelID)
	assert.Equal(t, bot.config.Discord.StartupMessage, sent[0].Content)

	bot.discord.handlerDisconnect()(nil, &discordgo.Disconnect{})
	assert.False(t, bot.discord.connected.Load())
	assert.Equal(t, int64(1), bot.discord.metricDisconnects.Load())
}

func TestGetDiscordUser(t *testing.T) {
	t.Parallel()
	u := newDiscordUser(t)

	direct := &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{User: u}}
	assert.Equal(t, u, getDiscordUser(direct))

	member := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{Member: &discordgo.Member{User: u}},
	}
	assert.Equal(t, u, getDiscordUser(member))

	assert.Nil(t, getDiscordUser(&discordgo.InteractionCreate{Interaction: &discordgo.Interaction{}}))
}

type stubEdits struct {
	WebhookEdit *discordgo.WebhookEdit
	Opts        []discordgo.RequestOption
}

type stubChannelMessageSend struct {
	ChannelID string
	Content   string
}

func newStubInteractionHandler(
	t testing.TB,
	i *discordgo.InteractionCreate,
) stubInteractionHandler {
	t.Helper()
	return stubInteractionHandler{
		callRespond:     make(chan *discordgo.InteractionResponse, 100),
		callGetResponse: make(chan struct{}, 100),
		callEdit:        make(chan *stubEdits, 100),
		callDelete:      make(chan struct{}, 100),
		messageID:       fmt.Sprintf("message_%s", t.Name()),
		GatewayHandler: GatewayHandler{
			session:     newMockDiscordSession(),
			interaction: i,
			logger:      slog.Default().With("test_name", t.Name()),
		},
	}
}

// stubInteractionHandler records calls on buffered channels. Edit
// returns a message with messageID, like the response edit endpoint.
type stubInteractionHandler struct {
	GatewayHandler GatewayHandler

	callRespond     chan *discordgo.InteractionResponse
	callGetResponse chan struct{}
	callEdit        chan *stubEdits
	callDelete      chan struct{}
	messageID       string
}

func (s stubInteractionHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return DiscordInteractionReceiveMethod("testcase")
}

func (s stubInteractionHandler) Respond(
	_ context.Context,
	i *discordgo.InteractionResponse,
) error {
	s.callRespond <- i
	return nil
}

func (s stubInteractionHandler) GetResponse(context.Context) (
	*discordgo.Message,
	error,
) {
	s.callGetResponse <- struct{}{}
	return &discordgo.Message{ID: s.messageID}, nil
}

func (s stubInteractionHandler) Edit(
	ctx context.Context,
	e *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	s.Logger().DebugContext(ctx, "edit called")
	s.callEdit <- &stubEdits{WebhookEdit: e, Opts: opts}
	return &discordgo.Message{ID: s.messageID}, nil
}

func (s stubInteractionHandler) Delete(
	ctx context.Context,
	_ ...discordgo.RequestOption,
) {
	s.Logger().DebugContext(ctx, "delete called")
	s.callDelete <- struct{}{}
}

func (s stubInteractionHandler) GetInteraction() *discordgo.InteractionCreate {
	return s.GatewayHandler.interaction
}

func (s stubInteractionHandler) Logger() *slog.Logger {
	return s.GatewayHandler.logger
}

// edits drains and returns the edits made so far
func (s stubInteractionHandler) edits() []*discordgo.WebhookEdit {
	var edits []*discordgo.WebhookEdit
	for {
		select {
		case e := <-s.callEdit:
			edits = append(edits, e.WebhookEdit)
		default:
			return edits
		}
	}
}

// lastEdit drains the edits made so far, returning the last one
func (s stubInteractionHandler) lastEdit(t testing.TB) *discordgo.WebhookEdit {
	t.Helper()
	edits := s.edits()
	require.NotEmpty(t, edits, "expected an edit")
	return edits[len(edits)-1]
}

// generateDiscordKey creates an ed25519 key pair to be used when
// testing the webhook handler
func generateDiscordKey(t testing.TB) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pubkey, privkey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("error generating key pair: %v", err)
	}
	return pubkey, privkey
}

// newDiscordUser creates a new discordgo.User with the test name as
// the user ID, with the user ID also included in the username and global name
func newDiscordUser(t testing.TB) *discordgo.User {
	t.Helper()
	return &discordgo.User{
		ID:         t.Name(),
		Username:   fmt.Sprintf("u_%s", t.Name()),
		GlobalName: fmt.Sprintf("g_%s", t.Name()),
	}
}

// newCommandInteraction returns an application command interaction from
// u in a guild text channel
func newCommandInteraction(
	t testing.TB,
	u *discordgo.User,
	name string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	t.Helper()
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type:      discordgo.InteractionApplicationCommand,
			ID:        fmt.Sprintf("interaction_%s_%d", t.Name(), time.Now().UnixNano()),
			GuildID:   testGuildID,
			ChannelID: testChannelID,
			Member:    &discordgo.Member{User: u},
			Locale:    discordgo.EnglishUS,
			Context:   discordgo.InteractionContextGuild,
			Data: discordgo.ApplicationCommandInteractionData{
				CommandType: discordgo.ChatApplicationCommand,
				Name:        name,
				Options:     options,
			},
		},
	}
}

// newAskInteraction returns an `/ask` interaction. context is only
// included when not empty.
func newAskInteraction(
	t testing.TB,
	u *discordgo.User,
	prompt string,
	web bool,
	context string,
) *discordgo.InteractionCreate {
	t.Helper()
	options := []*discordgo.ApplicationCommandInteractionDataOption{
		{
			Name:  askOptionPrompt,
			Type:  discordgo.ApplicationCommandOptionString,
			Value: prompt,
		},
		{
			Name:  askOptionWeb,
			Type:  discordgo.ApplicationCommandOptionBoolean,
			Value: web,
		},
	}
	if context != "" {
		options = append(
			options,
			&discordgo.ApplicationCommandInteractionDataOption{
				Name:  askOptionContext,
				Type:  discordgo.ApplicationCommandOptionString,
				Value: context,
			},
		)
	}
	return newCommandInteraction(t, u, DiscordSlashCommandAsk, options...)
}

// newButtonInteraction returns a click on the button with the given
// custom ID, on the given message
func newButtonInteraction(
	u *discordgo.User,
	messageID string,
	customID string,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type:      discordgo.InteractionMessageComponent,
			ID:        fmt.Sprintf("click_%s_%d", customID, time.Now().UnixNano()),
			GuildID:   testGuildID,
			ChannelID: testChannelID,
			Member:    &discordgo.Member{User: u},
			Message:   &discordgo.Message{ID: messageID},
			Data: discordgo.MessageComponentInteractionData{
				CustomID:      customID,
				ComponentType: discordgo.ButtonComponent,
			},
		},
	}
}

var errMockDiscord = errors.New("mock discord error")

// mockDiscordSession implements DiscordSessionHandler, recording the
// messages sent, deleted and threads started. Channels are looked up
// in channels, and unknown channel IDs return an error.
type mockDiscordSession struct {
	logger   *slog.Logger
	logLevel *slog.LevelVar

	mu             *sync.Mutex
	channels       map[string]*discordgo.Channel
	messages       *[]stubChannelMessageSend
	complex        *[]*discordgo.MessageSend
	deleted        *[]string
	typing         *[]string
	threads        *[]*discordgo.Channel
	commands       *[]*discordgo.ApplicationCommand
	sendComplexErr *error
	deleteErr      *error
}

func newMockDiscordSession() mockDiscordSession {
	var sendComplexErr, deleteErr error
	m := mockDiscordSession{
		logLevel:       &slog.LevelVar{},
		mu:             &sync.Mutex{},
		channels:       map[string]*discordgo.Channel{},
		messages:       &[]stubChannelMessageSend{},
		complex:        &[]*discordgo.MessageSend{},
		deleted:        &[]string{},
		typing:         &[]string{},
		threads:        &[]*discordgo.Channel{},
		commands:       &[]*discordgo.ApplicationCommand{},
		sendComplexErr: &sendComplexErr,
		deleteErr:      &deleteErr,
	}
	m.logLevel.Set(slog.LevelWarn)
	m.logger = slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     m.logLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord_session_handler")
	return m
}

func (d mockDiscordSession) addChannel(ch *discordgo.Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels[ch.ID] = ch
}

func (d mockDiscordSession) setSendComplexErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	*d.sendComplexErr = err
}

func (d mockDiscordSession) setDeleteErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	*d.deleteErr = err
}

func (d mockDiscordSession) sentMessages() []stubChannelMessageSend {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]stubChannelMessageSend(nil), *d.messages...)
}

func (d mockDiscordSession) sentComplex() []*discordgo.MessageSend {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*discordgo.MessageSend(nil), *d.complex...)
}

func (d mockDiscordSession) deletedMessages() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), *d.deleted...)
}

func (d mockDiscordSession) startedThreads() []*discordgo.Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*discordgo.Channel(nil), *d.threads...)
}

func (d mockDiscordSession) registeredCommands() []*discordgo.ApplicationCommand {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*discordgo.ApplicationCommand(nil), *d.commands...)
}

func (d mockDiscordSession) Open() error {
	d.logger.Info("opened session")
	return nil
}

func (d mockDiscordSession) Close() error {
	d.logger.Info("closed session")
	return nil
}

func (d mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.logger.Info(
		"saw message send",
		"channel_id", channelID,
		"content", message,
	)
	d.mu.Lock()
	defer d.mu.Unlock()
	*d.messages = append(*d.messages, stubChannelMessageSend{ChannelID: channelID, Content: message})
	return &discordgo.Message{ChannelID: channelID, Content: message}, nil
}

func (d mockDiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.logger.Info("saw complex message send", "channel_id", channelID)
	d.mu.Lock()
	defer d.mu.Unlock()
	if *d.sendComplexErr != nil {
		return nil, *d.sendComplexErr
	}
	*d.complex = append(*d.complex, data)
	return &discordgo.Message{ChannelID: channelID}, nil
}

func (d mockDiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	_ ...discordgo.RequestOption,
) error {
	d.logger.Info("deleting message", "channel_id", channelID, "message_id", messageID)
	d.mu.Lock()
	defer d.mu.Unlock()
	if *d.deleteErr != nil {
		return *d.deleteErr
	}
	*d.deleted = append(*d.deleted, messageID)
	return nil
}

func (d mockDiscordSession) Channel(
	channelID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown channel %q", errMockDiscord, channelID)
	}
	return ch, nil
}

func (d mockDiscordSession) ChannelTyping(channelID string, _ ...discordgo.RequestOption) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	*d.typing = append(*d.typing, channelID)
	return nil
}

func (d mockDiscordSession) ThreadStart(
	channelID string,
	name string,
	typ discordgo.ChannelType,
	archiveDuration int,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	thread := &discordgo.Channel{
		ID:       fmt.Sprintf("thread_%d", len(*d.threads)+1),
		ParentID: channelID,
		Name:     name,
		Type:     typ,
		ThreadMetadata: &discordgo.ThreadMetadata{
			AutoArchiveDuration: archiveDuration,
		},
	}
	*d.threads = append(*d.threads, thread)
	d.channels[thread.ID] = thread
	return thread, nil
}

func (d mockDiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	d.logger.Info(
		"overwrite application commands",
		"app_id", appID,
		"guild_id", guildID,
	)
	d.mu.Lock()
	*d.commands = append(*d.commands, commands...)
	d.mu.Unlock()

	cmds := make([]*discordgo.ApplicationCommand, len(commands))
	for i, c := range commands {
		cmds[i] = &discordgo.ApplicationCommand{
			Name:        c.Name,
			Description: c.Description,
		}
	}
	return cmds, nil
}

func (d mockDiscordSession) UpdateCustomStatus(status string) error {
	d.logger.Info("updating custom status", "status", status)
	return nil
}

func (d mockDiscordSession) AddHandler(_ any) func() {
	d.logger.Info("added handler")
	return func() {
		d.logger.Info("mock-removed handler function")
	}
}

func (d mockDiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	d.logger.Info(
		"mock responding to interaction",
		"interaction_id", interaction.ID,
		"response_type", resp.Type,
	)
	return nil
}

func (d mockDiscordSession) InteractionResponse(
	interaction *discordgo.Interaction,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.logger.Info("mock getting interaction", "interaction_id", interaction.ID)
	return &discordgo.Message{ID: "response_" + interaction.ID}, nil
}

func (d mockDiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	_ *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.logger.Info("mock editing interaction", "interaction_id", interaction.ID)
	return &discordgo.Message{ID: "response_" + interaction.ID}, nil
}

func (d mockDiscordSession) InteractionResponseDelete(
	interaction *discordgo.Interaction,
	_ ...discordgo.RequestOption,
) error {
	d.logger.Info("mock deleting interaction", "interaction_id", interaction.ID)
	return nil
}

func (d mockDiscordSession) SetIdentify(_ discordgo.Identify) {
	d.logger.Info("mock setting identify")
}

func (d mockDiscordSession) SetLogLevel(lvl slog.Level) error {
	d.logLevel.Set(lvl)
	return nil
}
