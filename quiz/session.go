package quiz

import (
	"errors"
	"fmt"

	"github.com/korjavin/tutorbot/models"
)

var (
	ErrNoQuestions   = errors.New("quiz has no questions")
	ErrUnknownOption = errors.New("option is not offered for this question")
	ErrNoSelection   = errors.New("no answer selected")
	ErrFinished      = errors.New("quiz is finished")
)

// Feedback is the verdict for a submitted answer
type Feedback struct {
	Correct       bool
	Selected      string
	CorrectAnswer string
}

func (f Feedback) String() string {
	if f.Correct {
		return "Correct!"
	}
	return fmt.Sprintf("Incorrect. The correct answer is: %s", f.CorrectAnswer)
}

// Session walks a user through a list of questions one at a time
type Session struct {
	questions []models.Question
	current   int
	selected  string
	feedback  *Feedback
	correct   int
	answered  int
	finished  bool
}

// NewSession creates a quiz over a copy of questions
func NewSession(questions []models.Question) (*Session, error) {
	if len(questions) == 0 {
		return nil, ErrNoQuestions
	}
	qs := make([]models.Question, len(questions))
	copy(qs, questions)
	return &Session{questions: qs}, nil
}

// Current returns the question being asked and its zero-based position
func (s *Session) Current() (models.Question, int) {
	return s.questions[s.current], s.current
}

// Len returns the number of questions in the quiz
func (s *Session) Len() int {
	return len(s.questions)
}

// IsLast reports whether the current question is the final one
func (s *Session) IsLast() bool {
	return s.current == len(s.questions)-1
}

// Answered reports whether the current question has been submitted
func (s *Session) Answered() bool {
	return s.feedback != nil
}

// Finished reports whether Next has moved past the last question
func (s *Session) Finished() bool {
	return s.finished
}

// Select marks option as the answer to the current question.
// Changing the selection after submitting is not allowed.
func (s *Session) Select(option string) error {
	if s.finished {
		return ErrFinished
	}
	if s.feedback != nil {
		return fmt.Errorf("answer already submitted for question %d", s.current+1)
	}
	if !s.questions[s.current].HasOption(option) {
		return ErrUnknownOption
	}
	s.selected = option
	return nil
}

// Submit checks the selected answer. Submitting twice returns the same feedback.
func (s *Session) Submit() (Feedback, error) {
	if s.finished {
		return Feedback{}, ErrFinished
	}
	if s.feedback != nil {
		return *s.feedback, nil
	}
	if s.selected == "" {
		return Feedback{}, ErrNoSelection
	}

	q := s.questions[s.current]
	fb := Feedback{
		Correct:       s.selected == q.CorrectAnswer,
		Selected:      s.selected,
		CorrectAnswer: q.CorrectAnswer,
	}
	s.feedback = &fb
	s.answered++
	if fb.Correct {
		s.correct++
	}
	return fb, nil
}

// Next moves to the following question. It returns false once the quiz is finished.
func (s *Session) Next() bool {
	if s.finished {
		return false
	}
	if s.IsLast() {
		s.finished = true
		return false
	}
	s.current++
	s.selected = ""
	s.feedback = nil
	return true
}

// Score returns the number of correct answers and the number of answered questions
func (s *Session) Score() (correct, answered int) {
	return s.correct, s.answered
}
