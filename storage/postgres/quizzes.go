package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mihaimyh/quizgate/pkg/entitlement"
	"github.com/mihaimyh/quizgate/pkg/quiz"
)

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// CreateQuizWithinLimit implements quiz.Repository. Creators for the same
// owner are serialized by a transaction-scoped advisory lock, so the count
// and the insert see no interleaving writes.
func (s *Storage) CreateQuizWithinLimit(ctx context.Context, q *quiz.Quiz, limit int64) error {
	if q == nil || q.ID == "" || q.OwnerID == "" {
		return fmt.Errorf("invalid quiz")
	}
	questions, err := json.Marshal(nonNilQuestions(q.Questions))
	if err != nil {
		return fmt.Errorf("failed to encode questions: %w", err)
	}

	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "quizzes:"+q.OwnerID); err != nil {
			return fmt.Errorf("failed to lock owner: %w", err)
		}
		if limit != entitlement.Unlimited {
			n, err := countQuizzes(ctx, tx, q.OwnerID)
			if err != nil {
				return err
			}
			if n >= limit {
				return &quiz.LimitReachedError{Current: n, Limit: limit}
			}
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO quizzes (id, owner_id, title, published, questions, storage_bytes, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			q.ID, q.OwnerID, q.Title, q.Published, questions, q.StorageBytes, q.CreatedAt, q.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert quiz: %w", err)
		}
		return nil
	})
}

// GetQuiz implements quiz.Repository
func (s *Storage) GetQuiz(ctx context.Context, quizID string) (*quiz.Quiz, error) {
	var (
		q         quiz.Quiz
		questions []byte
	)
	err := s.db.QueryRow(ctx,
		`SELECT id, owner_id, title, published, questions, storage_bytes, created_at, updated_at
			FROM quizzes WHERE id = $1`,
		quizID).Scan(&q.ID, &q.OwnerID, &q.Title, &q.Published, &questions, &q.StorageBytes, &q.CreatedAt, &q.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, quiz.ErrQuizNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quiz: %w", err)
	}
	if err := json.Unmarshal(questions, &q.Questions); err != nil {
		return nil, fmt.Errorf("failed to decode questions of quiz %s: %w", quizID, err)
	}
	q.Questions = nonNilQuestions(q.Questions)
	return &q, nil
}

// AppendQuestions implements quiz.Repository. The quiz row is locked while
// its question count is checked.
func (s *Storage) AppendQuestions(ctx context.Context, quizID string, questions []quiz.Question, addedBytes, maxTotal int64) error {
	added, err := json.Marshal(nonNilQuestions(questions))
	if err != nil {
		return fmt.Errorf("failed to encode questions: %w", err)
	}

	return s.inTx(ctx, func(tx pgx.Tx) error {
		var current int64
		err := tx.QueryRow(ctx,
			`SELECT jsonb_array_length(questions) FROM quizzes WHERE id = $1 FOR UPDATE`,
			quizID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return quiz.ErrQuizNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock quiz: %w", err)
		}
		if maxTotal != entitlement.Unlimited && current+int64(len(questions)) > maxTotal {
			return &quiz.LimitReachedError{Current: current, Limit: maxTotal}
		}

		_, err = tx.Exec(ctx,
			`UPDATE quizzes
				SET questions = questions || $2::jsonb, storage_bytes = storage_bytes + $3, updated_at = $4
				WHERE id = $1`,
			quizID, added, addedBytes, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to append questions: %w", err)
		}
		return nil
	})
}

// SetPublished implements quiz.Repository
func (s *Storage) SetPublished(ctx context.Context, quizID string, published bool) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE quizzes SET published = $2, updated_at = $3 WHERE id = $1`,
		quizID, published, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set published: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return quiz.ErrQuizNotFound
	}
	return nil
}

// SaveResponse implements quiz.Repository. Responses are immutable once saved.
func (s *Storage) SaveResponse(ctx context.Context, r *quiz.Response) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("invalid response")
	}
	answers, err := json.Marshal(r.Answers)
	if err != nil {
		return fmt.Errorf("failed to encode answers: %w", err)
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO quiz_responses (id, quiz_id, owner_id, answers, score, size_bytes, submitted_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.QuizID, r.OwnerID, answers, r.Score, r.SizeBytes, r.SubmittedAt)
	if err != nil {
		switch code, _ := pgCode(err); code {
		case codeForeignKeyViolation:
			return quiz.ErrQuizNotFound
		case codeUniqueViolation:
			return fmt.Errorf("response %s already exists", r.ID)
		}
		return fmt.Errorf("failed to save response: %w", err)
	}
	return nil
}

func nonNilQuestions(qs []quiz.Question) []quiz.Question {
	if qs == nil {
		return []quiz.Question{}
	}
	return qs
}
