package askbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"gorm.io/gorm"
	"log/slog"
	"time"
)

var (
	columnUserID         = "id"
	columnUserPremium    = "premium"
	columnUserAskUsage   = "ask_usage"
	columnUserUsername   = "username"
	columnUserGlobalName = "global_name"
	columnUserLastSeen   = "last_seen"
	columnUserLocale     = "locale"
)

// User is a record of a Discord user, and their current state.
// See: https://discord.com/developers/docs/resources/user
//
//nolint:lll // struct tags can't be split
type User struct {
	// ID is the Discord user ID
	ID string `json:"id" gorm:"primaryKey;unique;type:string"`

	// Username, not unique
	Username string `json:"username" gorm:"type:string"`

	// User's display name
	GlobalName string `json:"global_name" gorm:"type:string"`

	Bot bool `json:"bot" gorm:"type:bool"`

	// JSON content of the discord user object
	Content string `json:"content" gorm:"type:string"`

	// Premium users get shorter cooldowns, larger completion budgets,
	// more regenerations and no trial limit
	Premium bool `json:"premium" gorm:"type:bool;default:false"`

	// AskUsage is the number of answers a non-premium user has left
	AskUsage int `json:"ask_usage" gorm:"column:ask_usage"`

	// Locale is the last locale reported by the user's client
	Locale string `json:"locale" gorm:"column:locale"`

	// LastSeen is the last time this user was seen in a Discord interaction
	LastSeen int64 `json:"last_seen" gorm:"column:last_seen"`

	ModelUnixTime
}

// NewUser returns a new User for the given discord user, with
// trialUsage answers available.
func NewUser(u discordgo.User, trialUsage int) *User {
	content, _ := json.Marshal(u)
	return &User{
		ID:         u.ID,
		Username:   u.Username,
		GlobalName: u.GlobalName,
		Bot:        u.Bot,
		Content:    string(content),
		AskUsage:   trialUsage,
		Locale:     string(u.Locale),
		LastSeen:   time.Now().UTC().UnixMilli(),
	}
}

func (u *User) String() string {
	return fmt.Sprintf("%s [%s]", u.Username, u.ID)
}

func (u *User) LogValue() slog.Value {
	if u == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String(columnUserID, u.ID),
		slog.String(columnUserUsername, u.Username),
		slog.String(columnUserGlobalName, u.GlobalName),
		slog.Bool(columnUserPremium, u.Premium),
		slog.Int(columnUserAskUsage, u.AskUsage),
	)
}

// HasAskUsage reports whether the user may receive another answer
func (u *User) HasAskUsage() bool {
	return u.Premium || u.AskUsage > 0
}

// consumeAskUsage charges one answer to a standard user. The decrement
// only applies while usage is left, so concurrent asks can't overspend.
func consumeAskUsage(tx *gorm.DB, userID string) error {
	rv := tx.Model(&User{}).
		Where("id = ? AND ask_usage > 0", userID).
		Update(columnUserAskUsage, gorm.Expr("ask_usage - ?", 1))
	if rv.Error != nil {
		return fmt.Errorf("error updating ask usage: %w", rv.Error)
	}
	if rv.RowsAffected == 0 {
		return ErrAskUsageExhausted
	}
	return nil
}

// UserStats summarizes a user's activity
type UserStats struct {
	UserID    string `json:"user_id"`
	Premium   bool   `json:"premium"`
	AskUsage  int    `json:"ask_usage"`
	Questions int64  `json:"questions"`
	Favorites int64  `json:"favorites"`
	WebSearch int64  `json:"web_search"`
	Threads   int64  `json:"threads"`
}

// getStats collects question, favorite, web search and thread counts
// for the user. Errors from individual queries are joined, and any
// counts retrieved successfully are still returned.
func (u *User) getStats(ctx context.Context, db *gorm.DB) (UserStats, error) {
	s := UserStats{
		UserID:   u.ID,
		Premium:  u.Premium,
		AskUsage: u.AskUsage,
	}
	db = db.WithContext(ctx)

	var errs []error
	if err := db.Model(&Question{}).Where(
		"user_id = ?",
		u.ID,
	).Count(&s.Questions).Error; err != nil {
		errs = append(errs, fmt.Errorf("error counting questions: %w", err))
	}
	if err := db.Model(&Question{}).Where(
		"user_id = ? AND is_favorite = ?",
		u.ID,
		true,
	).Count(&s.Favorites).Error; err != nil {
		errs = append(errs, fmt.Errorf("error counting favorites: %w", err))
	}
	if err := db.Model(&Question{}).Where(
		"user_id = ? AND web = ?",
		u.ID,
		true,
	).Count(&s.WebSearch).Error; err != nil {
		errs = append(errs, fmt.Errorf("error counting web searches: %w", err))
	}
	if err := db.Model(&ChatThread{}).Where(
		"user_id = ?",
		u.ID,
	).Count(&s.Threads).Error; err != nil {
		errs = append(errs, fmt.Errorf("error counting threads: %w", err))
	}
	return s, errors.Join(errs...)
}

var (
	// ErrUserNotFound is returned when a user has never interacted with the bot
	ErrUserNotFound = errors.New("user not found")

	// ErrAskUsageExhausted is returned when a standard user has no
	// answers left
	ErrAskUsageExhausted = errors.New("no ask usage left")
)

func findUser(ctx context.Context, db *gorm.DB, userID string) (*User, error) {
	var u User
	err := db.WithContext(ctx).Where(columnUserID+" = ?", userID).Take(&u).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		return nil, err
	}
	return &u, nil
}

// SetUserPremium grants or revokes premium status
func SetUserPremium(ctx context.Context, db DBI, userID string, premium bool) (*User, error) {
	u, err := findUser(ctx, db.DB(), userID)
	if err != nil {
		return nil, err
	}
	if _, err = db.Update(ctx, u, columnUserPremium, premium); err != nil {
		return nil, fmt.Errorf("error updating premium: %w", err)
	}
	u.Premium = premium
	db.ReloadUser(userID)
	return u, nil
}

// SetUserAskUsage sets the number of answers a non-premium user has left
func SetUserAskUsage(ctx context.Context, db DBI, userID string, n int) (*User, error) {
	if n < 0 {
		return nil, fmt.Errorf("ask usage must be >= 0, got %d", n)
	}
	u, err := findUser(ctx, db.DB(), userID)
	if err != nil {
		return nil, err
	}
	if _, err = db.Update(ctx, u, columnUserAskUsage, n); err != nil {
		return nil, fmt.Errorf("error updating ask usage: %w", err)
	}
	u.AskUsage = n
	db.ReloadUser(userID)
	return u, nil
}
