// Package quiz holds the quiz model and the service that gates quiz
// mutations and response submission through plan limits.
package quiz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mihaimyh/quizgate/pkg/scoring"
)

var (
	// ErrQuizNotFound is returned when a quiz id is unknown
	ErrQuizNotFound = errors.New("quiz not found")

	// ErrQuizNotPublished is returned when a submission targets a quiz that does not accept responses
	ErrQuizNotPublished = errors.New("quiz is not accepting responses")

	// ErrNotOwner is returned when a user mutates a quiz they do not own
	ErrNotOwner = errors.New("quiz belongs to another user")
)

// LimitReachedError is returned by a Repository when an atomic
// check-and-insert finds the limit already reached.
type LimitReachedError struct {
	Current int64
	Limit   int64
}

func (e *LimitReachedError) Error() string {
	return fmt.Sprintf("limit reached: %d of %d", e.Current, e.Limit)
}

// Quiz is an owner's quiz and its questions.
type Quiz struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"ownerId"`
	Title     string     `json:"title"`
	Published bool       `json:"published"`
	Questions []Question `json:"questions"`

	// StorageBytes is the stored size of the quiz content.
	StorageBytes int64     `json:"storageBytes"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Question is one quiz question. Options are the choices shown for choice
// questions; correctness is defined by CorrectAnswer or, for
// multiple-select, CorrectAnswers.
type Question struct {
	ID             string               `json:"id"`
	Prompt         string               `json:"prompt" validate:"required,max=2000"`
	Type           scoring.QuestionType `json:"type" validate:"required,oneof=single-choice multiple-select boolean text"`
	Options        []string             `json:"options,omitempty" validate:"omitempty,max=50,dive,required"`
	CorrectAnswer  interface{}          `json:"correctAnswer,omitempty"`
	CorrectAnswers []interface{}        `json:"correctAnswers,omitempty"`
}

// Scorable projects the question onto the scoring model.
func (q Question) Scorable() scoring.Question {
	return scoring.Question{
		ID:             q.ID,
		Type:           q.Type,
		CorrectAnswer:  q.CorrectAnswer,
		CorrectAnswers: q.CorrectAnswers,
	}
}

// Response is a scored submission. It is written once and never updated.
type Response struct {
	ID          string           `json:"id"`
	QuizID      string           `json:"quizId"`
	OwnerID     string           `json:"-"`
	Answers     []scoring.Answer `json:"answers"`
	Score       int              `json:"score"`
	SubmittedAt time.Time        `json:"submittedAt"`

	// SizeBytes is the stored size of the answers.
	SizeBytes int64 `json:"-"`
}

// Repository persists quizzes and responses.
type Repository interface {
	// CreateQuizWithinLimit inserts q only if its owner has fewer than
	// limit quizzes, checked and inserted atomically. A limit of -1 means
	// no cap. It returns *LimitReachedError when the cap is hit.
	CreateQuizWithinLimit(ctx context.Context, q *Quiz, limit int64) error

	// GetQuiz returns the quiz or ErrQuizNotFound.
	GetQuiz(ctx context.Context, quizID string) (*Quiz, error)

	// AppendQuestions adds questions and storage atomically, provided the
	// quiz then holds at most maxTotal questions (-1 means no cap). It
	// returns *LimitReachedError when the cap would be exceeded.
	AppendQuestions(ctx context.Context, quizID string, questions []Question, addedBytes, maxTotal int64) error

	// SetPublished toggles whether the quiz accepts responses.
	SetPublished(ctx context.Context, quizID string, published bool) error

	// SaveResponse stores a new response.
	SaveResponse(ctx context.Context, r *Response) error
}

func encodedSize(v interface{}) int64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return int64(len(b))
}
