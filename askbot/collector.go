package askbot

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"sync"
	"time"
)

const collectorExpireEditTimeout = 10 * time.Second

// collectedSession is an [AskSession] registered with the [Collector],
// along with the timer that expires it
type collectedSession struct {
	session *AskSession
	timer   *time.Timer
}

// Collector routes button clicks to the [AskSession] of the answer they
// were clicked on, keyed by message ID. Clicks from anyone but the user
// who asked are ignored. Sessions expire after the configured timeout,
// and never outlive the interaction token used to edit the answer.
type Collector struct {
	dispatcher *AskDispatcher
	timeout    time.Duration
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*collectedSession
}

func NewCollector(dispatcher *AskDispatcher, timeout time.Duration, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		dispatcher: dispatcher,
		timeout:    timeout,
		logger:     logger.With(loggerNameKey, "collector"),
		sessions:   map[string]*collectedSession{},
	}
}

// lifetime is the configured timeout, capped at the interaction token
// lifespan. A zero timeout binds sessions to the token lifespan only.
func (c *Collector) lifetime() time.Duration {
	if c.timeout <= 0 || c.timeout > discordInteractionTokenLifespan {
		return discordInteractionTokenLifespan
	}
	return c.timeout
}

// Register starts collecting clicks on the answer in s.MessageID,
// replacing any session already registered for that message
func (c *Collector) Register(s *AskSession) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.sessions[s.MessageID]; ok {
		existing.timer.Stop()
		activeAskSessions.Dec()
	}
	messageID := s.MessageID
	cs := &collectedSession{session: s}
	cs.timer = time.AfterFunc(
		c.lifetime(),
		func() {
			c.expire(messageID, cs)
		},
	)
	c.sessions[messageID] = cs
	activeAskSessions.Inc()
}

// expire ends the session and disables the buttons on its answer, so
// they don't appear to work once clicks are no longer collected
func (c *Collector) expire(messageID string, cs *collectedSession) {
	c.mu.Lock()
	current, ok := c.sessions[messageID]
	if !ok || current != cs {
		c.mu.Unlock()
		return
	}
	delete(c.sessions, messageID)
	activeAskSessions.Dec()
	c.mu.Unlock()

	c.logger.Debug("session expired", "message_id", messageID)
	if c.dispatcher == nil {
		return
	}

	s := cs.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.revealed || s.Handler == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), collectorExpireEditTimeout)
	defer cancel()
	components := askButtons(c.dispatcher.catalog, s, true, false)
	if _, err := s.Handler.Edit(ctx, &discordgo.WebhookEdit{Components: &components}); err != nil {
		c.logger.Warn("error disabling expired buttons", "message_id", messageID, tint.Err(err))
	}
}

// Remove stops collecting clicks for the given message
func (c *Collector) Remove(messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cs, ok := c.sessions[messageID]; ok {
		cs.timer.Stop()
		delete(c.sessions, messageID)
		activeAskSessions.Dec()
	}
}

// Get returns the session registered for the message, if any
func (c *Collector) Get(messageID string) (*AskSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.sessions[messageID]
	if !ok {
		return nil, false
	}
	return cs.session, true
}

// Len returns the number of sessions being collected
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Collect handles a button click. It returns false if the click wasn't
// collected: the message has no live session, the click came from
// another user, or the button isn't an action.
func (c *Collector) Collect(ctx context.Context, i *discordgo.InteractionCreate) bool {
	if i.Type != discordgo.InteractionMessageComponent || i.Message == nil {
		return false
	}
	s, ok := c.Get(i.Message.ID)
	if !ok {
		return false
	}

	u := getDiscordUser(i)
	if u == nil || u.ID != s.UserID {
		return false
	}

	action := ButtonAction(i.MessageComponentData().CustomID)
	if _, known := c.dispatcher.handlers[action]; !known {
		return false
	}

	log := loggerFromContext(ctx, c.logger)
	done, err := c.dispatcher.Dispatch(ctx, s, action, i)
	if err != nil {
		log.ErrorContext(ctx, "error handling button", "action", action, tint.Err(err))
	}
	if done {
		c.Remove(i.Message.ID)
	}
	return true
}

// Stop expires every session
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for messageID, cs := range c.sessions {
		cs.timer.Stop()
		delete(c.sessions, messageID)
		activeAskSessions.Dec()
	}
}
