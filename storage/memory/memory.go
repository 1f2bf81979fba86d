// Package memory provides an in-memory implementation of every quizgate
// repository interface. It is intended for tests and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mihaimyh/quizgate/pkg/billing"
	"github.com/mihaimyh/quizgate/pkg/entitlement"
	"github.com/mihaimyh/quizgate/pkg/quiz"
	"github.com/mihaimyh/quizgate/pkg/scoring"
)

// Storage keeps users, quizzes, responses and subscriptions in maps behind
// a single lock, so each method is atomic with respect to the others.
type Storage struct {
	mu            sync.RWMutex
	users         map[string]entitlement.PlanType
	quizzes       map[string]*quiz.Quiz
	responses     map[string]*quiz.Response
	subscriptions map[string]*billing.Subscription
	customers     map[string]string // customerID -> userID
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		users:         make(map[string]entitlement.PlanType),
		quizzes:       make(map[string]*quiz.Quiz),
		responses:     make(map[string]*quiz.Response),
		subscriptions: make(map[string]*billing.Subscription),
		customers:     make(map[string]string),
	}
}

var (
	_ entitlement.PlanSource         = (*Storage)(nil)
	_ entitlement.ResourceCounter    = (*Storage)(nil)
	_ billing.SubscriptionRepository = (*Storage)(nil)
	_ quiz.Repository                = (*Storage)(nil)
)

// PutUser creates or overwrites a user record with the given plan.
func (s *Storage) PutUser(userID string, plan entitlement.PlanType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = plan
}

// GetUserPlan implements entitlement.PlanSource
func (s *Storage) GetUserPlan(ctx context.Context, userID string) (entitlement.PlanType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plan, ok := s.users[userID]
	if !ok {
		return "", entitlement.ErrUserNotFound
	}
	return plan, nil
}

// SetUserPlan implements billing.SubscriptionRepository
func (s *Storage) SetUserPlan(ctx context.Context, userID string, plan entitlement.PlanType) error {
	if userID == "" {
		return fmt.Errorf("invalid user id")
	}
	s.PutUser(userID, plan)
	return nil
}

// CountQuizzes implements entitlement.ResourceCounter
func (s *Storage) CountQuizzes(ctx context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countQuizzesLocked(userID), nil
}

func (s *Storage) countQuizzesLocked(userID string) int64 {
	var n int64
	for _, q := range s.quizzes {
		if q.OwnerID == userID {
			n++
		}
	}
	return n
}

// SumStorageBytes implements entitlement.ResourceCounter
func (s *Storage) SumStorageBytes(ctx context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, q := range s.quizzes {
		if q.OwnerID == userID {
			n += q.StorageBytes
		}
	}
	for _, r := range s.responses {
		if r.OwnerID == userID {
			n += r.SizeBytes
		}
	}
	return n, nil
}

// CountResponses implements entitlement.ResourceCounter
func (s *Storage) CountResponses(ctx context.Context, userID string, period entitlement.Period) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, r := range s.responses {
		if r.OwnerID == userID && period.Contains(r.SubmittedAt) {
			n++
		}
	}
	return n, nil
}

// CreateQuizWithinLimit implements quiz.Repository
func (s *Storage) CreateQuizWithinLimit(ctx context.Context, q *quiz.Quiz, limit int64) error {
	if q == nil || q.ID == "" || q.OwnerID == "" {
		return fmt.Errorf("invalid quiz")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.quizzes[q.ID]; exists {
		return fmt.Errorf("quiz %s already exists", q.ID)
	}
	if limit != entitlement.Unlimited {
		if n := s.countQuizzesLocked(q.OwnerID); n >= limit {
			return &quiz.LimitReachedError{Current: n, Limit: limit}
		}
	}
	s.quizzes[q.ID] = copyQuiz(q)
	return nil
}

// GetQuiz implements quiz.Repository
func (s *Storage) GetQuiz(ctx context.Context, quizID string) (*quiz.Quiz, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.quizzes[quizID]
	if !ok {
		return nil, quiz.ErrQuizNotFound
	}
	return copyQuiz(q), nil
}

// AppendQuestions implements quiz.Repository
func (s *Storage) AppendQuestions(ctx context.Context, quizID string, questions []quiz.Question, addedBytes, maxTotal int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.quizzes[quizID]
	if !ok {
		return quiz.ErrQuizNotFound
	}
	current := int64(len(q.Questions))
	if maxTotal != entitlement.Unlimited && current+int64(len(questions)) > maxTotal {
		return &quiz.LimitReachedError{Current: current, Limit: maxTotal}
	}
	q.Questions = append(q.Questions, questions...)
	q.StorageBytes += addedBytes
	return nil
}

// SetPublished implements quiz.Repository
func (s *Storage) SetPublished(ctx context.Context, quizID string, published bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.quizzes[quizID]
	if !ok {
		return quiz.ErrQuizNotFound
	}
	q.Published = published
	return nil
}

// SaveResponse implements quiz.Repository. Responses are immutable once saved.
func (s *Storage) SaveResponse(ctx context.Context, r *quiz.Response) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("invalid response")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.responses[r.ID]; exists {
		return fmt.Errorf("response %s already exists", r.ID)
	}
	if _, ok := s.quizzes[r.QuizID]; !ok {
		return quiz.ErrQuizNotFound
	}
	rCopy := *r
	rCopy.Answers = append([]scoring.Answer(nil), r.Answers...)
	s.responses[r.ID] = &rCopy
	return nil
}

// GetSubscription implements billing.SubscriptionRepository
func (s *Storage) GetSubscription(ctx context.Context, id string) (*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}
	subCopy := *sub
	return &subCopy, nil
}

// GetLiveSubscriptionForUser implements billing.SubscriptionRepository
func (s *Storage) GetLiveSubscriptionForUser(ctx context.Context, userID string) (*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subscriptions {
		if sub.UserID == userID && sub.Live() {
			subCopy := *sub
			return &subCopy, nil
		}
	}
	return nil, billing.ErrSubscriptionNotFound
}

// ApplySubscription implements billing.SubscriptionRepository
func (s *Storage) ApplySubscription(ctx context.Context, sub *billing.Subscription, userPlan entitlement.PlanType) error {
	if sub == nil || sub.ID == "" || sub.UserID == "" {
		return fmt.Errorf("invalid subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sub.Live() {
		for id, other := range s.subscriptions {
			if id != sub.ID && other.UserID == sub.UserID && other.Live() {
				return billing.ErrDuplicateActiveSubscription
			}
		}
	}

	subCopy := *sub
	s.subscriptions[sub.ID] = &subCopy
	s.users[sub.UserID] = userPlan
	if sub.CustomerID != "" {
		s.customers[sub.CustomerID] = sub.UserID
	}
	return nil
}

// ListLiveSubscriptions implements billing.SubscriptionRepository
func (s *Storage) ListLiveSubscriptions(ctx context.Context) ([]*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*billing.Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		if sub.Live() {
			subCopy := *sub
			out = append(out, &subCopy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// LinkCustomer implements billing.SubscriptionRepository
func (s *Storage) LinkCustomer(ctx context.Context, customerID, userID string) error {
	if customerID == "" || userID == "" {
		return fmt.Errorf("invalid customer link")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[customerID] = userID
	return nil
}

// GetUserIDForCustomer implements billing.SubscriptionRepository
func (s *Storage) GetUserIDForCustomer(ctx context.Context, customerID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userID, ok := s.customers[customerID]
	if !ok {
		return "", billing.ErrUnresolvedCustomer
	}
	return userID, nil
}

// GetCustomerIDForUser implements billing.SubscriptionRepository
func (s *Storage) GetCustomerIDForUser(ctx context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found []string
	for customerID, uid := range s.customers {
		if uid == userID {
			found = append(found, customerID)
		}
	}
	if len(found) == 0 {
		return "", billing.ErrUnresolvedCustomer
	}
	sort.Strings(found)
	return found[0], nil
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users = make(map[string]entitlement.PlanType)
	s.quizzes = make(map[string]*quiz.Quiz)
	s.responses = make(map[string]*quiz.Response)
	s.subscriptions = make(map[string]*billing.Subscription)
	s.customers = make(map[string]string)
}

func copyQuiz(q *quiz.Quiz) *quiz.Quiz {
	qCopy := *q
	qCopy.Questions = append([]quiz.Question{}, q.Questions...)
	return &qCopy
}
