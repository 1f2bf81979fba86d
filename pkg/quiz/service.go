package quiz

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/mihaimyh/quizgate/pkg/entitlement"
	"github.com/mihaimyh/quizgate/pkg/scoring"
)

// MaxTitleLength bounds quiz titles.
const MaxTitleLength = 200

// Config holds Service dependencies.
type Config struct {
	// Accountant gates every mutation (required)
	Accountant *entitlement.Accountant

	// Repository persists quizzes and responses (required)
	Repository Repository

	// Engine scores submissions (default: scoring.NewEngine())
	Engine *scoring.Engine

	// Clock stamps records (default: entitlement.SystemClock)
	Clock entitlement.Clock

	// Logger is used for structured logging (default: NoopLogger)
	Logger entitlement.Logger

	// NewID generates record ids (default: uuid.NewString)
	NewID func() string
}

// SubmitRequest is a public quiz submission.
type SubmitRequest struct {
	QuizID  string           `json:"-"`
	Answers []scoring.Answer `json:"answers" validate:"max=500,dive"`
}

// Service creates quizzes, adds questions and accepts submissions, each
// behind the owner's plan limits.
type Service struct {
	acc      *entitlement.Accountant
	repo     Repository
	engine   *scoring.Engine
	clock    entitlement.Clock
	logger   entitlement.Logger
	newID    func() string
	validate *validator.Validate
}

// NewService creates a quiz service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Accountant == nil {
		return nil, errors.New("quiz: accountant is required")
	}
	if cfg.Repository == nil {
		return nil, errors.New("quiz: repository is required")
	}
	if cfg.Engine == nil {
		cfg.Engine = scoring.NewEngine()
	}
	if cfg.Clock == nil {
		cfg.Clock = entitlement.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = &entitlement.NoopLogger{}
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}

	return &Service{
		acc:      cfg.Accountant,
		repo:     cfg.Repository,
		engine:   cfg.Engine,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		newID:    cfg.NewID,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

// CreateQuiz creates an empty draft quiz. The quiz-count limit is enforced
// exactly: the repository checks and inserts atomically, so concurrent
// creators cannot overshoot the plan limit.
func (s *Service) CreateQuiz(ctx context.Context, userID, title string) (*Quiz, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, &entitlement.ValidationError{Field: "title", Reason: "is required"}
	}
	if len(title) > MaxTitleLength {
		return nil, &entitlement.ValidationError{Field: "title", Reason: fmt.Sprintf("must be at most %d bytes", MaxTitleLength)}
	}

	d, err := s.acc.Check(ctx, entitlement.CheckRequest{UserID: userID, Action: entitlement.ActionCreateQuiz})
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return nil, d.Err
	}

	now := s.clock.Now().UTC()
	q := &Quiz{
		ID:        s.newID(),
		OwnerID:   userID,
		Title:     title,
		Questions: []Question{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	q.StorageBytes = encodedSize(title)

	err = s.repo.CreateQuizWithinLimit(ctx, q, d.Plan.Limits.MaxQuizzes)
	var lr *LimitReachedError
	if errors.As(err, &lr) {
		return nil, s.acc.Exceeded(d.Plan, entitlement.ResourceQuizzes, lr.Current, lr.Current+1)
	}
	if err != nil {
		return nil, s.repoErr("create_quiz", err)
	}

	s.logger.Info("quiz created",
		entitlement.Field{Key: "userId", Value: userID},
		entitlement.Field{Key: "quizId", Value: q.ID},
	)
	return q, nil
}

// AddQuestions appends questions to a quiz owned by userID. The resulting
// question total is checked against the plan and re-checked atomically by
// the repository.
func (s *Service) AddQuestions(ctx context.Context, userID, quizID string, questions []Question) (*Quiz, error) {
	if len(questions) == 0 {
		return nil, &entitlement.ValidationError{Field: "questions", Reason: "at least one question is required"}
	}
	for i := range questions {
		if err := s.validateQuestion(i, &questions[i]); err != nil {
			return nil, err
		}
	}

	q, err := s.ownedQuiz(ctx, userID, quizID)
	if err != nil {
		return nil, err
	}

	total := int64(len(q.Questions) + len(questions))
	d, err := s.acc.Check(ctx, entitlement.CheckRequest{
		UserID:        userID,
		Action:        entitlement.ActionAddQuestion,
		QuestionCount: total,
	})
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return nil, d.Err
	}

	for i := range questions {
		questions[i].ID = s.newID()
	}
	err = s.repo.AppendQuestions(ctx, quizID, questions, encodedSize(questions), d.Plan.Limits.MaxQuestionsPerQuiz)
	var lr *LimitReachedError
	if errors.As(err, &lr) {
		return nil, s.acc.Exceeded(d.Plan, entitlement.ResourceQuestions, lr.Current, lr.Current+int64(len(questions)))
	}
	if err != nil {
		return nil, s.repoErr("append_questions", err)
	}

	return s.repo.GetQuiz(ctx, quizID)
}

// Publish opens or closes a quiz for submissions.
func (s *Service) Publish(ctx context.Context, userID, quizID string, published bool) error {
	if _, err := s.ownedQuiz(ctx, userID, quizID); err != nil {
		return err
	}
	if err := s.repo.SetPublished(ctx, quizID, published); err != nil {
		return s.repoErr("set_published", err)
	}
	return nil
}

// GetQuiz returns a quiz owned by userID.
func (s *Service) GetQuiz(ctx context.Context, userID, quizID string) (*Quiz, error) {
	return s.ownedQuiz(ctx, userID, quizID)
}

// Submit scores a submission and stores it once. The owner's monthly
// response limit is checked first; concurrent submissions near the limit
// may admit one extra response.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Response, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, &entitlement.ValidationError{Field: "answers", Reason: err.Error()}
	}
	for i, a := range req.Answers {
		if a.QuestionID == "" {
			return nil, &entitlement.ValidationError{Field: fmt.Sprintf("answers[%d].questionId", i), Reason: "is required"}
		}
	}

	q, err := s.repo.GetQuiz(ctx, req.QuizID)
	if err != nil {
		return nil, s.repoErr("get_quiz", err)
	}
	if !q.Published {
		return nil, ErrQuizNotPublished
	}

	d, err := s.acc.Check(ctx, entitlement.CheckRequest{UserID: q.OwnerID, Action: entitlement.ActionReceiveResponse})
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return nil, d.Err
	}

	scorable := make([]scoring.Question, len(q.Questions))
	for i, qq := range q.Questions {
		scorable[i] = qq.Scorable()
	}
	res := s.engine.Score(req.Answers, scorable)

	r := &Response{
		ID:          s.newID(),
		QuizID:      q.ID,
		OwnerID:     q.OwnerID,
		Answers:     res.Answers,
		Score:       res.Score,
		SubmittedAt: s.clock.Now().UTC(),
	}
	r.SizeBytes = encodedSize(r.Answers)
	if err := s.repo.SaveResponse(ctx, r); err != nil {
		return nil, s.repoErr("save_response", err)
	}

	if res.Ignored > 0 {
		s.logger.Debug("submission carried unmatched answers",
			entitlement.Field{Key: "quizId", Value: q.ID},
			entitlement.Field{Key: "ignored", Value: res.Ignored},
		)
	}
	return r, nil
}

func (s *Service) ownedQuiz(ctx context.Context, userID, quizID string) (*Quiz, error) {
	if userID == "" {
		return nil, &entitlement.ValidationError{Field: "userId", Reason: "is required"}
	}
	q, err := s.repo.GetQuiz(ctx, quizID)
	if err != nil {
		return nil, s.repoErr("get_quiz", err)
	}
	if q.OwnerID != userID {
		return nil, ErrNotOwner
	}
	return q, nil
}

func (s *Service) validateQuestion(i int, q *Question) error {
	if err := s.validate.Struct(q); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			return &entitlement.ValidationError{
				Field:  fmt.Sprintf("questions[%d].%s", i, ve[0].Field()),
				Reason: fmt.Sprintf("failed %q", ve[0].Tag()),
			}
		}
		return &entitlement.ValidationError{Field: fmt.Sprintf("questions[%d]", i), Reason: err.Error()}
	}
	switch q.Type {
	case scoring.TypeMultipleSelect:
		if len(q.CorrectAnswers) == 0 {
			return &entitlement.ValidationError{Field: fmt.Sprintf("questions[%d].correctAnswers", i), Reason: "is required"}
		}
	default:
		if q.CorrectAnswer == nil {
			return &entitlement.ValidationError{Field: fmt.Sprintf("questions[%d].correctAnswer", i), Reason: "is required"}
		}
	}
	return nil
}

// repoErr keeps domain sentinels visible and wraps everything else.
func (s *Service) repoErr(op string, err error) error {
	if errors.Is(err, ErrQuizNotFound) {
		return err
	}
	return &entitlement.RepositoryError{Op: op, Err: err}
}
