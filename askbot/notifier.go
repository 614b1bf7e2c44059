package askbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
	"time"
)

const (
	postgresNotifyChannelUserUpdated = "askbot_user_updated"
	postgresNotifyChannelStop        = "askbot_stop"

	// recordSeparator separates the notifier ID from the user ID in
	// user update payloads
	recordSeparator = "\x1e"

	dbNotifierSendTimeout = 15 * time.Second
	dbNotifierRetryDelay  = 5 * time.Second
)

// DBNotifier notifies bot instances of database changes made elsewhere,
// like a user being granted premium from the CLI.
type DBNotifier interface {
	UserUpdateChannelName() string

	// UserUpdated sends a notification to bot instances that a user
	// record has been updated, and should be reloaded.
	UserUpdated(ctx context.Context, userID string) bool

	StopChannelName() string

	// Stop sends a shutdown signal to all bots
	Stop(context.Context) bool

	// ID returns the identifier for this notifier, used to filter out
	// its own notifications.
	ID() string

	// Listen blocks until ctx is canceled, forwarding notifications
	// received on the channel
	Listen(ctx context.Context, channel string) error
}

// notifierSignals are where received notifications are forwarded to.
// Either may be nil, when only sending notifications (ex: from the CLI).
type notifierSignals struct {
	userUpdated chan<- string
	stop        chan<- struct{}
}

// NewDBNotifier returns a [DBNotifier] for the given database type. With
// sqlite, notifications only reach the current process.
func NewDBNotifier(
	databaseType string,
	dsn string,
	db DBI,
	logger *slog.Logger,
) (DBNotifier, error) {
	return newDBNotifier(databaseType, dsn, db, notifierSignals{}, logger)
}

func newDBNotifier(
	databaseType string,
	dsn string,
	db DBI,
	signals notifierSignals,
	logger *slog.Logger,
) (DBNotifier, error) {
	notifyID, err := generateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With(loggerNameKey, "db_notifier")

	switch databaseType {
	case dbTypeSQLite:
		return &sqliteNotifier{
			logger:   log,
			signals:  signals,
			notifyID: notifyID,
		}, nil
	case dbTypePostgres:
		return &postgresNotifier{
			db:         db,
			dsn:        dsn,
			logger:     log,
			signals:    signals,
			pgNotifyID: notifyID,
		}, nil
	default:
		return nil, errors.New("invalid database type")
	}
}

type sqliteNotifier struct {
	logger   *slog.Logger
	signals  notifierSignals
	notifyID string
}

func (s *sqliteNotifier) Listen(_ context.Context, channel string) error {
	s.logger.Debug("listener called", "channel", channel)
	return nil
}

func (sqliteNotifier) StopChannelName() string {
	return ""
}

func (s *sqliteNotifier) Stop(ctx context.Context) bool {
	if s.signals.stop == nil {
		return false
	}
	s.logger.Info("notifying stop signal")
	select {
	case s.signals.stop <- struct{}{}:
	case <-ctx.Done():
		s.logger.Warn("timeout sending stop signal")
		return false
	}
	return true
}

func (sqliteNotifier) UserUpdateChannelName() string {
	return ""
}

func (s *sqliteNotifier) UserUpdated(ctx context.Context, userID string) bool {
	if s.signals.userUpdated == nil {
		return false
	}
	s.logger.Info("got user update notification", "user_id", userID)
	select {
	case s.signals.userUpdated <- userID:
	case <-ctx.Done():
		s.logger.Warn("timeout sending user refresh", "user_id", userID)
		return false
	}
	return true
}

func (s *sqliteNotifier) ID() string {
	return s.notifyID
}

// postgresNotifier sends notifications with pg_notify, and listens
// for them with a dedicated pgx connection
type postgresNotifier struct {
	db         DBI
	dsn        string
	logger     *slog.Logger
	signals    notifierSignals
	pgNotifyID string
}

func (p *postgresNotifier) ID() string {
	return p.pgNotifyID
}

func (postgresNotifier) UserUpdateChannelName() string {
	return postgresNotifyChannelUserUpdated
}

func (postgresNotifier) StopChannelName() string {
	return postgresNotifyChannelStop
}

func (p *postgresNotifier) Stop(ctx context.Context) bool {
	notifyErr := p.db.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		p.StopChannelName(),
		p.ID(),
	).Error
	if notifyErr != nil {
		p.logger.ErrorContext(ctx, "error sending NOTIFY to stop bot", tint.Err(notifyErr))
		return false
	}
	p.logger.Info("sent stop signal", "pg_notify_id", p.ID())
	return true
}

func (p *postgresNotifier) UserUpdated(ctx context.Context, userID string) bool {
	msg := newUserUpdatedNotificationMessage(p.ID(), userID)

	notifyErr := p.db.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		p.UserUpdateChannelName(),
		msg,
	).Error
	if notifyErr != nil {
		p.logger.ErrorContext(
			ctx,
			"error sending NOTIFY to update user",
			tint.Err(notifyErr),
			"user_id", userID,
		)
		return false
	}
	p.logger.Info(
		"sent user update notification",
		"pg_notify_id", p.ID(),
		"user_id", userID,
	)
	return true
}

func (p *postgresNotifier) Listen(ctx context.Context, channel string) error {
	p.logger.Info("starting db listener", "channel", channel)

	config, err := pgxpool.ParseConfig(p.dsn)
	if err != nil {
		p.logger.ErrorContext(ctx, "error parsing database config", tint.Err(err))
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		p.logger.ErrorContext(ctx, "error creating connection pool", tint.Err(err))
		return err
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "error acquiring connection", tint.Err(err))
		return err
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, fmt.Sprintf("LISTEN %s", channel)); err != nil {
		p.logger.ErrorContext(ctx, "error setting up listener", tint.Err(err))
		return err
	}
	logger := p.logger.With("channel", channel)
	logger.InfoContext(ctx, "started listening on channel")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			if ctx.Err() != nil {
				break
			}
			logger.ErrorContext(ctx, "error waiting for notification", tint.Err(e))
			time.Sleep(dbNotifierRetryDelay)
			continue
		}

		switch channel {
		case p.UserUpdateChannelName():
			notifierID, userID := parseUserUpdatedNotification(notification.Payload)
			if notifierID == p.ID() {
				logger.Debug("received user update notification from self, ignoring")
				continue
			}
			if p.signals.userUpdated == nil {
				continue
			}
			select {
			case p.signals.userUpdated <- userID:
				logger.Info("sent signal to update user", "user_id", userID)
			case <-time.After(dbNotifierSendTimeout):
				logger.Warn("timed out sending user refresh signal", "user_id", userID)
			}
		case p.StopChannelName():
			if notification.Payload == p.ID() || p.signals.stop == nil {
				continue
			}
			logger.InfoContext(ctx, "received stop signal via NOTIFY")
			select {
			case p.signals.stop <- struct{}{}:
				logger.Info("forwarded stop signal")
			case <-time.After(dbNotifierSendTimeout):
				logger.Warn("timed out forwarding stop signal")
			}
		default:
			logger.Warn("received unknown notification", "channel", notification.Channel)
		}
	}

	return nil
}

func parseUserUpdatedNotification(s string) (notifierID, userID string) {
	before, after, _ := strings.Cut(s, recordSeparator)
	return before, after
}

func newUserUpdatedNotificationMessage(notifierID string, userID string) string {
	return strings.Join([]string{notifierID, userID}, recordSeparator)
}
