// Package scoring evaluates submitted quiz answers against question
// definitions. Correctness is always computed here; any client-supplied
// flag is overwritten.
package scoring

import (
	"math"
	"reflect"
	"strings"

	"golang.org/x/text/cases"
)

// QuestionType is the kind of a scorable question.
type QuestionType string

const (
	TypeSingleChoice   QuestionType = "single-choice"
	TypeMultipleSelect QuestionType = "multiple-select"
	TypeBoolean        QuestionType = "boolean"
	TypeText           QuestionType = "text"
)

// Question is the scorable part of a quiz question. Multiple-select
// questions use CorrectAnswers; every other type uses CorrectAnswer.
type Question struct {
	ID             string        `json:"id"`
	Type           QuestionType  `json:"type"`
	CorrectAnswer  interface{}   `json:"correctAnswer,omitempty"`
	CorrectAnswers []interface{} `json:"correctAnswers,omitempty"`
}

// Answer is a submitted value for one question.
type Answer struct {
	QuestionID string      `json:"questionId"`
	Value      interface{} `json:"value"`
	IsCorrect  bool        `json:"isCorrect"`
}

// Result is the outcome of scoring a submission.
type Result struct {
	// Score is round(Correct / Total * 100), 0 when there are no questions.
	Score int `json:"score"`

	// Correct is the number of questions answered correctly.
	Correct int `json:"correct"`

	// Total is the number of questions, answered or not.
	Total int `json:"total"`

	// Answers echoes the submission in order with IsCorrect computed.
	Answers []Answer `json:"answers"`

	// Ignored counts answers that matched no question or repeated an
	// already scored question.
	Ignored int `json:"-"`
}

// Engine scores submissions. The zero value is ready to use and it holds no
// state between calls.
type Engine struct{}

// NewEngine returns a scoring engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Score evaluates answers against questions.
//
// Answers whose question id matches no question are ignored: they are
// returned with IsCorrect=false and do not affect the denominator. Only the
// first answer for a question is scored. Unanswered questions count against
// the score. Malformed values are marked incorrect and never panic.
func (e *Engine) Score(answers []Answer, questions []Question) Result {
	byID := make(map[string]*Question, len(questions))
	for i := range questions {
		q := &questions[i]
		if _, dup := byID[q.ID]; !dup {
			byID[q.ID] = q
		}
	}

	res := Result{
		Total:   len(questions),
		Answers: make([]Answer, len(answers)),
	}
	scored := make(map[string]bool, len(answers))
	for i, a := range answers {
		a.IsCorrect = false
		q, ok := byID[a.QuestionID]
		if !ok || scored[a.QuestionID] {
			res.Ignored++
			res.Answers[i] = a
			continue
		}
		scored[a.QuestionID] = true
		a.IsCorrect = isCorrect(q, a.Value)
		if a.IsCorrect {
			res.Correct++
		}
		res.Answers[i] = a
	}

	if res.Total > 0 {
		res.Score = int(math.Round(float64(res.Correct) / float64(res.Total) * 100))
	}
	return res
}

func isCorrect(q *Question, value interface{}) bool {
	switch q.Type {
	case TypeSingleChoice, TypeBoolean:
		return scalarEqual(q.CorrectAnswer, value)
	case TypeMultipleSelect:
		return setEqual(q.CorrectAnswers, value)
	case TypeText:
		return textEqual(q.CorrectAnswer, value)
	default:
		return false
	}
}

// scalar is a normalized comparable value; numbers of every Go numeric type
// collapse to float64 so 3 and 3.0 compare equal, while "3" does not.
type scalar struct {
	kind  reflect.Kind
	value interface{}
}

func normalize(v interface{}) (scalar, bool) {
	switch x := v.(type) {
	case bool:
		return scalar{reflect.Bool, x}, true
	case string:
		return scalar{reflect.String, x}, true
	case float64:
		return scalar{reflect.Float64, x}, true
	case float32:
		return scalar{reflect.Float64, float64(x)}, true
	case int:
		return scalar{reflect.Float64, float64(x)}, true
	case int32:
		return scalar{reflect.Float64, float64(x)}, true
	case int64:
		return scalar{reflect.Float64, float64(x)}, true
	default:
		return scalar{}, false
	}
}

func scalarEqual(want, got interface{}) bool {
	w, ok := normalize(want)
	if !ok {
		return false
	}
	g, ok := normalize(got)
	if !ok {
		return false
	}
	return w == g
}

func setEqual(want []interface{}, got interface{}) bool {
	if len(want) == 0 {
		return false
	}
	wantSet, ok := toSet(want)
	if !ok {
		return false
	}

	var items []interface{}
	switch x := got.(type) {
	case []interface{}:
		items = x
	case []string:
		items = make([]interface{}, len(x))
		for i, s := range x {
			items[i] = s
		}
	default:
		return false
	}
	gotSet, ok := toSet(items)
	if !ok || len(gotSet) != len(wantSet) {
		return false
	}
	for k := range wantSet {
		if !gotSet[k] {
			return false
		}
	}
	return true
}

func toSet(items []interface{}) (map[scalar]bool, bool) {
	set := make(map[scalar]bool, len(items))
	for _, it := range items {
		s, ok := normalize(it)
		if !ok {
			return nil, false
		}
		set[s] = true
	}
	return set, true
}

func textEqual(want, got interface{}) bool {
	w, ok := want.(string)
	if !ok {
		return false
	}
	g, ok := got.(string)
	if !ok {
		return false
	}
	return fold(w) == fold(g)
}

// folder is stateless and shared across goroutines.
var folder = cases.Fold()

// fold trims surrounding whitespace and applies Unicode case folding.
func fold(s string) string {
	return folder.String(strings.TrimSpace(s))
}
