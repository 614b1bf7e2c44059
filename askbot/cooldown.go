package askbot

import (
	"encoding/binary"
	"fmt"
	"github.com/boltdb/bolt"
	"github.com/lmittmann/tint"
	"log/slog"
	"sync"
	"time"
)

const (
	cooldownBackendMemory = "memory"
	cooldownBackendBolt   = "bolt"
)

var cooldownBucket = []byte("cooldowns")

// CooldownGate tracks, per user, the instant before which
// another request is rejected
type CooldownGate interface {
	// Check returns true while the user is still cooling down
	Check(userID string) bool

	// Set starts a cooldown of d for the user, replacing any existing one
	Set(userID string, d time.Duration)

	// Remaining returns the time left on the user's cooldown
	Remaining(userID string) time.Duration
}

// memoryCooldown is a [CooldownGate] kept in process memory. Entries
// are only ever overwritten, never evicted.
type memoryCooldown struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

func newMemoryCooldown(now func() time.Time) *memoryCooldown {
	if now == nil {
		now = time.Now
	}
	return &memoryCooldown{
		expires: map[string]time.Time{},
		now:     now,
	}
}

func (c *memoryCooldown) Check(userID string) bool {
	return c.Remaining(userID) > 0
}

func (c *memoryCooldown) Set(userID string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expires[userID] = c.now().Add(d)
}

func (c *memoryCooldown) Remaining(userID string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	expiry, ok := c.expires[userID]
	if !ok {
		return 0
	}
	if remaining := expiry.Sub(c.now()); remaining > 0 {
		return remaining
	}
	return 0
}

// boltCooldown is a [CooldownGate] persisted to a bolt database, so
// cooldowns survive a restart. Expiry instants are stored as big-endian
// unix milliseconds.
type boltCooldown struct {
	db     *bolt.DB
	now    func() time.Time
	logger *slog.Logger
}

func newBoltCooldown(path string, now func() time.Time, logger *slog.Logger) (*boltCooldown, error) {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("error opening cooldown database: %w", err)
	}
	err = db.Update(
		func(tx *bolt.Tx) error {
			_, e := tx.CreateBucketIfNotExists(cooldownBucket)
			return e
		},
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("error creating cooldown bucket: %w", err)
	}
	return &boltCooldown{
		db:     db,
		now:    now,
		logger: logger.With(loggerNameKey, "cooldown"),
	}, nil
}

func (c *boltCooldown) Check(userID string) bool {
	return c.Remaining(userID) > 0
}

func (c *boltCooldown) Set(userID string, d time.Duration) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(c.now().Add(d).UnixMilli()))
	err := c.db.Update(
		func(tx *bolt.Tx) error {
			return tx.Bucket(cooldownBucket).Put([]byte(userID), buf)
		},
	)
	if err != nil {
		c.logger.Error("error setting cooldown", "user_id", userID, tint.Err(err))
	}
}

func (c *boltCooldown) Remaining(userID string) time.Duration {
	var expiry int64
	err := c.db.View(
		func(tx *bolt.Tx) error {
			v := tx.Bucket(cooldownBucket).Get([]byte(userID))
			if len(v) == 8 {
				expiry = int64(binary.BigEndian.Uint64(v))
			}
			return nil
		},
	)
	if err != nil || expiry == 0 {
		return 0
	}
	if remaining := time.UnixMilli(expiry).Sub(c.now()); remaining > 0 {
		return remaining
	}
	return 0
}

func (c *boltCooldown) Close() error {
	return c.db.Close()
}

// NewCooldownGate returns the [CooldownGate] for the configured backend
func NewCooldownGate(cfg CooldownConfig, logger *slog.Logger) (CooldownGate, error) {
	switch cfg.Backend {
	case cooldownBackendBolt:
		return newBoltCooldown(cfg.Path, nil, logger)
	case cooldownBackendMemory, "":
		return newMemoryCooldown(nil), nil
	default:
		return nil, fmt.Errorf("unknown cooldown backend: %q", cfg.Backend)
	}
}

// cooldownSeconds returns d in whole seconds, rounded up
func cooldownSeconds(d time.Duration) int {
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}
