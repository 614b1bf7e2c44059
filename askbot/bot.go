package askbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/arcward/askbot/askbot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// Bot ties together the discord session, the answer pipeline behind
// `/ask`, thread chat, the database and the optional HTTP servers.
type Bot struct {
	config *Config

	// Read-only GORM connection
	db *gorm.DB

	// gorm.DB wrapper for write/update/delete operations. With sqlite,
	// writes are serialized.
	writeDB DBI

	dbNotifier DBNotifier

	logger *slog.Logger

	discord *Discord
	openai  *OpenAI
	catalog *Catalog

	// completion and search default to openai and the configured web
	// search API
	completion chatCompleter
	search     SearchClient
	storage    ObjectStorage

	cooldowns  CooldownGate
	questions  *QuestionStore
	resolver   *AnswerResolver
	dispatcher *AskDispatcher
	collector  *Collector
	chat       *threadChat

	api *API

	// Provides a webhook endpoint to use to receive Discord
	// interactions when the gateway isn't used for them
	discordWebhookServer *DiscordWebhookServer

	// Handler for interactions received via webhook
	webhookInteractionHandler func(c *gin.Context)

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by a postgres NOTIFY
	signalStop chan struct{}

	// signalReady has a value sent on it once Run has finished
	// initializing and the discord session is open
	signalReady chan struct{}

	// eventShutdown has a value sent on it when shutdown finishes
	eventShutdown chan struct{}

	triggerUserUpdatedRefreshCh chan string

	// prevents Run from executing concurrently
	runMu sync.Mutex

	startedAt time.Time

	// getInteractionHandlerFunc returns the InteractionHandler for an
	// interaction received via the gateway. Webhook interactions wrap the
	// returned handler, so commands are executed the same either way.
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler

	asksInProgress atomic.Int64
}

// New returns a Bot for the given config. Connections aren't opened
// until [Bot.Run].
func New(config *Config) (*Bot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bot{
		config:                      config,
		signalReady:                 make(chan struct{}, 1),
		eventShutdown:               make(chan struct{}, 1),
		triggerUserUpdatedRefreshCh: make(chan string, 1),
	}

	b.logger = newComponentLogger("main", config.LogLevel)
	slog.SetDefault(b.logger)

	catalog, err := LoadCatalog()
	if err != nil {
		return nil, fmt.Errorf("error loading message catalog: %w", err)
	}
	b.catalog = catalog

	b.openai = newOpenAI(config.OpenAI, config.HTTPClient)
	b.completion = b.openai
	b.search = newWebSearch(config.Search, nil, b.logger)
	b.storage = newSupabaseStorage(config.Storage, b.logger)

	config.Discord.httpClient = config.HTTPClient
	disc, err := newDiscord(config.Discord, catalog)
	if err != nil {
		errs = append(errs, err)
	} else {
		b.discord = disc
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	if config.API.Enabled {
		api, apiErr := newAPI(b, config.API)
		if apiErr != nil {
			errs = append(errs, apiErr)
		}
		b.api = api
	}

	if config.Discord.WebhookServer.Enabled && b.discord != nil {
		webhookServer, e := newWebhookServer(b, config.Discord.WebhookServer)
		if e != nil {
			errs = append(errs, e)
		}
		b.discordWebhookServer = webhookServer
	}

	return b, errors.Join(errs...)
}

func (b *Bot) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

// RegisterSlashCommands registers `/ask`, `/chat` and `/usage`
func (b *Bot) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return b.discord.registerCommands(options...)
}

// Run initializes the database and the answer pipeline, opens the
// discord session and blocks until ctx is canceled or a stop signal is
// received, then shuts down gracefully.
func (b *Bot) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.signalStop = make(chan struct{}, 1)
	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- b.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return errors.New("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if err := b.initDiscordSession(ctx, runtimeWG); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		return err
	}
	b.initServices()

	if b.api != nil {
		go func() {
			httpErr := b.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	if b.discordWebhookServer != nil {
		b.webhookInteractionHandler = webhookReceiveHandler(ctx, b, runtimeWG)
		go func() {
			httpErr := b.discordWebhookServer.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving webhook HTTP", tint.Err(httpErr))
			}
		}()
	}

	if err := b.discordInit(ctx); err != nil {
		return err
	}

	b.startUserUpdatedListener(ctx, runtimeWG)

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		g, gctx := errgroup.WithContext(ctx)
		g.Go(
			func() error {
				return b.dbNotifier.Listen(gctx, b.dbNotifier.UserUpdateChannelName())
			},
		)
		g.Go(
			func() error {
				return b.dbNotifier.Listen(gctx, b.dbNotifier.StopChannelName())
			},
		)
		if e := g.Wait(); e != nil {
			logger.ErrorContext(ctx, "db notification listener stopped", tint.Err(e))
		}
	}()

	select {
	case b.signalReady <- struct{}{}:
		logger.InfoContext(ctx, "sent ready signal")
	default:
	}

	// block until something cancels the main runtime context - generally
	// an interrupt
	<-ctx.Done()

	return b.shutdown(ctx, runtimeWG)
}

// initRun opens the database, loads the user cache and opens the
// cooldown store
func (b *Bot) initRun(ctx context.Context) error {
	if err := b.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}

	notifier, err := newDBNotifier(
		b.config.DatabaseType,
		b.config.Database,
		b.writeDB,
		notifierSignals{
			userUpdated: b.triggerUserUpdatedRefreshCh,
			stop:        b.signalStop,
		},
		b.logger,
	)
	if err != nil {
		return fmt.Errorf("error creating db notifier: %w", err)
	}
	b.dbNotifier = notifier

	if b.cooldowns == nil {
		cooldowns, cdErr := NewCooldownGate(*b.config.Cooldown, b.logger)
		if cdErr != nil {
			return fmt.Errorf("error opening cooldowns: %w", cdErr)
		}
		b.cooldowns = cooldowns
	}
	return nil
}

func (b *Bot) initDB(ctx context.Context) error {
	dbLogger := newGORMLogger(
		tint.NewHandler(
			defaultLogWriter,
			&tint.Options{
				Level:     b.config.DatabaseLogLevel,
				AddSource: true,
			},
		),
		b.config.DatabaseSlowThreshold,
	)

	db, err := getDB(ctx, b.config.DatabaseType, b.config.Database, dbLogger)
	if err != nil {
		return err
	}
	if err = migrateDB(ctx, db); err != nil {
		return fmt.Errorf("error migrating database: %w", err)
	}
	b.db = db
	b.writeDB = NewDatabase(db, b.logger, b.config.DatabaseType == dbTypePostgres)

	users := b.writeDB.LoadUsers()
	b.logger.InfoContext(ctx, "loaded users", "count", len(users))
	return nil
}

// initServices builds the answer pipeline on top of the discord session
// and database
func (b *Bot) initServices() {
	b.questions = NewQuestionStore(b.writeDB, b.logger)
	b.resolver = NewAnswerResolver(
		b.completion,
		b.search,
		b.config.OpenAI.Model,
		b.config.Ask,
		b.config.Search,
		b.logger,
	)
	b.dispatcher = NewAskDispatcher(
		b.discord.session,
		b.resolver,
		b.questions,
		b.storage,
		b.catalog,
		b.logger,
	)
	b.collector = NewCollector(b.dispatcher, b.config.Ask.CollectorTimeout, b.logger)
	b.chat = newThreadChat(
		b.discord.session,
		b.writeDB,
		b.completion,
		b.catalog,
		b.config.Chat,
		b.config.OpenAI.Model,
		b.config.Discord.ApplicationID,
		b.logger,
	)
}

func (b *Bot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := b.logger.With(loggerNameKey, "discord_session")

	if b.discord.session == nil {
		disc, discErr := b.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		b.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	// in-flight interactions and messages get until the shutdown deadline
	// to finish, rather than being canceled along with the runtime context
	handlerCtx := context.WithoutCancel(ctx)

	for _, h := range b.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	identify := discordgo.Identify{
		Intents: b.config.Discord.GatewayIntents,
		Presence: discordgo.GatewayStatusUpdate{
			Status: string(discordgo.StatusOnline),
		},
	}
	b.discord.session.SetIdentify(identify)

	b.discord.discordgoRemoveHandlerFuncs = []func(){
		b.discord.session.AddHandler(b.discord.handlerConnect()),
		b.discord.session.AddHandler(b.discord.handlerDisconnect()),
		b.discord.session.AddHandler(b.discord.handlerReady()),
		b.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				i *discordgo.InteractionCreate,
			) {
				handler := b.getInteractionHandlerFunc(handlerCtx, i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.handleInteraction(handlerCtx, handler)
				}()
			},
		),
		b.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				m *discordgo.MessageCreate,
			) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.handleDiscordMessage(handlerCtx, m)
				}()
			},
		),
	}

	if b.getInteractionHandlerFunc == nil {
		b.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return GatewayHandler{
				session:     b.discord.session,
				interaction: i,
				logger: b.logger.With(
					slog.Group(
						"interaction",
						interactionLogAttrs(*i)...,
					),
				),
			}
		}
	}
	return nil
}

// discordInit opens the discord websocket connection, registers commands
// and sets the bot's custom status
func (b *Bot) discordInit(ctx context.Context) error {
	logger := b.logger
	logger.InfoContext(ctx, "connecting to discord")
	if err := b.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	if _, err := b.RegisterSlashCommands(); err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}

	if status := b.config.Discord.CustomStatus; status != "" {
		go func() {
			if statusErr := b.discord.session.UpdateCustomStatus(status); statusErr != nil {
				logger.Error("error updating discord status", tint.Err(statusErr))
			}
		}()
	}
	return nil
}

// startUserUpdatedListener reloads users from the database when notified
// they've been changed elsewhere
func (b *Bot) startUserUpdatedListener(ctx context.Context, runtimeWG *sync.WaitGroup) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				b.logger.Info("context canceled, stopping user updated listener")
				return
			case userID := <-b.triggerUserUpdatedRefreshCh:
				if userID == "" {
					b.logger.Warn("empty user ID received, skipping refresh")
					continue
				}
				b.refreshUser(userID)
			}
		}
	}()
}

func (b *Bot) refreshUser(userID string) {
	b.logger.Info("reloading user", "user_id", userID)
	if u := b.writeDB.ReloadUser(userID); u == nil {
		b.logger.Warn("user not found", "user_id", userID)
		return
	}
	b.logger.Info("reloaded user", "user_id", userID)
}

func (b *Bot) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	b.logger.WarnContext(ctx, "shutting down")
	defer func() {
		go func() {
			b.eventShutdown <- struct{}{}
		}()
	}()
	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(b.config.ShutdownTimeout)

	announcementTicker := time.NewTicker(10 * time.Second)
	defer announcementTicker.Stop()

	b.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", b.config.ShutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait()
		runtimeStopEnd := time.Now()
		b.logger.InfoContext(
			ctx,
			"finished handling in-flight requests",
			"runtime_stop_duration", runtimeStopEnd.Sub(shutdownStart),
			"asks_in_progress", b.asksInProgress.Load(),
		)
		stopWG := &sync.WaitGroup{}

		if b.collector != nil {
			b.collector.Stop()
		}

		if b.api != nil && b.api.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				b.logger.InfoContext(ctx, "stopping http server")
				_ = b.api.httpServer.Shutdown(closeCtx)
				b.logger.InfoContext(ctx, "http server stopped")
			}()
		}

		if b.discordWebhookServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				b.logger.InfoContext(ctx, "stopping webhook http server")
				_ = b.discordWebhookServer.httpServer.Shutdown(closeCtx)
				b.logger.InfoContext(ctx, "webhook http server stopped")
			}()
		}

		if b.discord != nil && b.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				b.logger.InfoContext(ctx, "closing discord session")
				_ = b.discord.session.Close()
				for _, h := range b.discord.discordgoRemoveHandlerFuncs {
					h()
				}
				b.logger.InfoContext(ctx, "discord session closed")
			}()
		}

		if closer, ok := b.cooldowns.(io.Closer); ok {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				if err := closer.Close(); err != nil {
					b.logger.ErrorContext(ctx, "error closing cooldowns", tint.Err(err))
				}
			}()
		}

		stopWG.Wait()
		gracefulShutdownCh <- struct{}{}
	}()

	// if we get a signal on gracefulShutdownCh, everything stopped and
	// cleaned up normally. otherwise, burn it all down
	for {
		select {
		case <-gracefulShutdownCh:
			shutdownEnded := time.Now()
			b.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_duration", shutdownEnded.Sub(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			b.logger.Warn(
				fmt.Sprintf(
					"time until hard shutdown: %s",
					time.Until(shutdownDeadline).String(),
				),
			)
		case <-closeCtx.Done():
			b.logger.Warn("in-flight requests did not finish in time, forcing close")
			if b.api != nil && b.api.httpServer != nil {
				go func() {
					_ = b.api.httpServer.Close()
				}()
			}
			if b.discordWebhookServer != nil {
				go func() {
					_ = b.discordWebhookServer.httpServer.Close()
				}()
			}
			return errors.New("in-flight requests did not finish in time")
		}
	}
}

// handleInteraction records and executes a single interaction. Component
// interactions are acknowledged, then routed to the [Collector].
// Commands are executed once the user has been loaded.
func (b *Bot) handleInteraction(
	ctx context.Context,
	handler InteractionHandler,
) {
	if b.config.RecoverPanic {
		defer func() {
			if rc := recover(); rc != nil {
				b.handleRecover(ctx, rc)
			}
		}()
	}

	i := handler.GetInteraction()
	logger := handler.Logger()

	if i.Type == discordgo.InteractionPing {
		_ = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponsePong,
			},
		)
		return
	}

	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(
			ctx,
			"no user found in interaction",
			"interaction", structToSlogValue(i),
		)
		return
	}

	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received new interaction", "user", structToSlogValue(discordUser))

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	interactionLog, err := newInteractionLog(i, discordUser, handler)
	if err != nil {
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, createErr := b.writeDB.Create(ctx, interactionLog); createErr != nil {
				logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
			}
		}()
	}

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring", "user", discordUser)
		return
	}

	switch i.Type {
	case discordgo.InteractionMessageComponent:
		if ackErr := handler.Respond(ctx, deferredUpdate()); ackErr != nil {
			logger.ErrorContext(ctx, "error acknowledging component interaction", tint.Err(ackErr))
			return
		}
		if !b.collector.Collect(ctx, i) {
			logger.DebugContext(ctx, "component interaction not collected")
		}
	case discordgo.InteractionApplicationCommand:
		commandName := i.ApplicationCommandData().Name
		interactionsReceived.WithLabelValues(commandName).Inc()

		u, _, e := b.writeDB.GetOrCreateUser(ctx, *discordUser, b.config.Ask.TrialUsage)
		if e != nil {
			logger.ErrorContext(ctx, "error getting user", tint.Err(e))
			b.respondError(ctx, handler, e.Error())
			return
		}

		logger = logger.With(slog.Group("user", userLogAttrs(*u)...))
		ctx = WithLogger(ctx, logger)

		switch commandName {
		case DiscordSlashCommandAsk:
			b.asksInProgress.Add(1)
			defer b.asksInProgress.Add(-1)
			b.runAsk(ctx, handler, u)
		case DiscordSlashCommandChat:
			b.runChat(ctx, handler, u)
		case DiscordSlashCommandUsage:
			b.runUsage(ctx, handler, u)
		default:
			logger.WarnContext(ctx, "unknown command", "command", commandName)
		}
	default:
		logger.WarnContext(ctx, "unhandled interaction type", "type", i.Type.String())
	}
}

// respondError sends an ephemeral error as the initial response to an
// interaction
func (b *Bot) respondError(ctx context.Context, handler InteractionHandler, msg string) {
	i := handler.GetInteraction()
	if err := handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Flags:  discordgo.MessageFlagsEphemeral,
				Embeds: []*discordgo.MessageEmbed{errorEmbed(b.catalog, i.Locale, msg)},
			},
		},
	); err != nil {
		handler.Logger().ErrorContext(ctx, "error sending error response", tint.Err(err))
	}
}

// handleDiscordMessage routes messages to thread chat
func (b *Bot) handleDiscordMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if b.config.RecoverPanic {
		defer func() {
			if rc := recover(); rc != nil {
				b.handleRecover(ctx, rc)
			}
		}()
	}
	b.chat.handleMessage(ctx, m)
}

// handleRecover logs a recovered panic along with its stack trace
func (*Bot) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(v),
			"stack_trace", stackTrace,
		)
	case string:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(v)),
			"stack_trace", stackTrace,
		)
	default:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			"panic_arg", rc,
			"stack_trace", stackTrace,
		)
	}
}
