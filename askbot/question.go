package askbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"log/slog"
	"time"
)

var (
	columnQuestionIsFavorite = "is_favorite"
	columnQuestionFavoriteAt = "favorite_at"
	columnQuestionQRCodeURL  = "qr_code_url"
)

var (
	ErrQuestionNotCreated = errors.New("question was not created")
	ErrQuestionNotFound   = errors.New("question not found")
)

// Question is the record of one resolved `/ask`. It's only created once
// an answer has been resolved, so a failed completion or search never
// leaves a record behind.
//
//nolint:lll // struct tags can't be split
type Question struct {
	ID        string `json:"id" gorm:"primaryKey;type:string"`
	UserID    string `json:"user_id" gorm:"index;type:string"`
	GuildID   string `json:"guild_id" gorm:"type:string"`
	ChannelID string `json:"channel_id" gorm:"type:string"`

	// InteractionID is the ID of the `/ask` interaction that created
	// this record
	InteractionID string `json:"interaction_id" gorm:"type:string"`

	QuestionText string `json:"question_text" gorm:"type:text"`
	AnswerText   string `json:"answer_text" gorm:"type:text"`

	// AskedAt and AnsweredAt are unix milliseconds
	AskedAt    int64 `json:"asked_at"`
	AnsweredAt int64 `json:"answered_at"`

	// Web indicates the answer came from the search API
	Web     bool     `json:"web" gorm:"default:false"`
	WebURLs []string `json:"web_urls" gorm:"serializer:json"`

	// ContextID is the ID of the prior question used to seed the
	// conversation, if any
	ContextID *string `json:"context_id,omitempty" gorm:"type:string"`

	Locale string `json:"locale" gorm:"type:string"`

	IsFavorite bool   `json:"is_favorite" gorm:"default:false"`
	FavoriteAt *int64 `json:"favorite_at,omitempty"`

	// QRCodeURL is the public URL of the uploaded QR code image, and is
	// nil until one has been generated
	QRCodeURL *string `json:"qr_code_url,omitempty"`

	ModelUnixTime
}

func (q *Question) BeforeCreate(_ *gorm.DB) error {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	return nil
}

func (q *Question) LogValue() slog.Value {
	if q == nil {
		return slog.Value{}
	}
	attrs := []slog.Attr{
		slog.String("id", q.ID),
		slog.String("user_id", q.UserID),
		slog.Bool("web", q.Web),
		slog.Bool(columnQuestionIsFavorite, q.IsFavorite),
	}
	if q.ContextID != nil {
		attrs = append(attrs, slog.String("context_id", *q.ContextID))
	}
	if q.QRCodeURL != nil {
		attrs = append(attrs, slog.String(columnQuestionQRCodeURL, *q.QRCodeURL))
	}
	return slog.GroupValue(attrs...)
}

// QuestionUpdate holds the mutable fields of a [Question]. Only non-nil
// fields are written.
type QuestionUpdate struct {
	IsFavorite *bool
	QRCodeURL  *string
}

func (u QuestionUpdate) values(now time.Time) map[string]any {
	values := map[string]any{}
	if u.IsFavorite != nil {
		values[columnQuestionIsFavorite] = *u.IsFavorite
		if *u.IsFavorite {
			values[columnQuestionFavoriteAt] = now.UnixMilli()
		} else {
			values[columnQuestionFavoriteAt] = nil
		}
	}
	if u.QRCodeURL != nil {
		values[columnQuestionQRCodeURL] = *u.QRCodeURL
	}
	return values
}

// QuestionStore persists [Question] records
type QuestionStore struct {
	db     DBI
	logger *slog.Logger
	now    func() time.Time
}

func NewQuestionStore(db DBI, logger *slog.Logger) *QuestionStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &QuestionStore{
		db:     db,
		logger: logger.With(loggerNameKey, "question_store"),
		now:    time.Now,
	}
}

// Create writes the full record, assigning its ID, and returns it
func (s *QuestionStore) Create(ctx context.Context, q *Question) (*Question, error) {
	if q.AnsweredAt == 0 {
		q.AnsweredAt = s.now().UTC().UnixMilli()
	}
	rows, err := s.db.Create(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("error creating question: %w", err)
	}
	if rows == 0 {
		return nil, ErrQuestionNotCreated
	}
	questionsCreated.Inc()
	return q, nil
}

// CreateAnswered records q and, unless premium, charges the answer to
// the user's trial usage, in one transaction. If the user has no usage
// left, nothing is recorded and [ErrAskUsageExhausted] is returned.
func (s *QuestionStore) CreateAnswered(
	ctx context.Context,
	q *Question,
	premium bool,
) (*Question, error) {
	if q.AnsweredAt == 0 {
		q.AnsweredAt = s.now().UTC().UnixMilli()
	}
	err := s.db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			rv := tx.Create(q)
			if rv.Error != nil {
				return fmt.Errorf("error creating question: %w", rv.Error)
			}
			if rv.RowsAffected == 0 {
				return ErrQuestionNotCreated
			}
			if premium {
				return nil
			}
			return consumeAskUsage(tx, q.UserID)
		},
	)
	if err != nil {
		return nil, err
	}
	questionsCreated.Inc()
	return q, nil
}

// Update applies the given fields to the question with the given ID.
// Concurrent updates are last-write-wins.
func (s *QuestionStore) Update(ctx context.Context, id string, update QuestionUpdate) error {
	values := update.values(s.now().UTC())
	if len(values) == 0 {
		return nil
	}
	rows, err := s.db.UpdatesWhere(ctx, &Question{}, values, "id = ?", id)
	if err != nil {
		return fmt.Errorf("error updating question %q: %w", id, err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrQuestionNotFound, id)
	}
	return nil
}

// Get returns the question with the given ID, if it belongs to userID
func (s *QuestionStore) Get(ctx context.Context, id string, userID string) (*Question, error) {
	var q Question
	err := s.db.DB().WithContext(ctx).Where(
		"id = ? AND user_id = ?",
		id,
		userID,
	).Take(&q).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrQuestionNotFound
		}
		return nil, err
	}
	return &q, nil
}

// ListByUser returns the user's questions, newest first. If favorites
// is set, only favorited questions are returned.
func (s *QuestionStore) ListByUser(
	ctx context.Context,
	userID string,
	favorites bool,
	limit int,
) ([]Question, error) {
	db := s.db.DB().WithContext(ctx).Where("user_id = ?", userID)
	if favorites {
		db = db.Where("is_favorite = ?", true)
	}
	if limit > 0 {
		db = db.Limit(limit)
	}
	var questions []Question
	err := db.Order("asked_at desc").Find(&questions).Error
	return questions, err
}
