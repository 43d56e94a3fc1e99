package models

import (
	"errors"
	"strings"
)

// Question is a multiple-choice comprehension question embedded by the tutor in its reply
type Question struct {
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	CorrectAnswer string   `json:"correctAnswer"`
}

var (
	errEmptyQuestion  = errors.New("question text is empty")
	errTooFewOptions  = errors.New("question needs at least two options")
	errAnswerNotFound = errors.New("correct answer is not one of the options")
)

// Validate reports whether the question can be shown in a quiz
func (q Question) Validate() error {
	if strings.TrimSpace(q.Question) == "" {
		return errEmptyQuestion
	}
	if len(q.Options) < 2 {
		return errTooFewOptions
	}
	if !q.HasOption(q.CorrectAnswer) {
		return errAnswerNotFound
	}
	return nil
}

// HasOption reports whether option is one of the question's options
func (q Question) HasOption(option string) bool {
	for _, o := range q.Options {
		if o == option {
			return true
		}
	}
	return false
}

// QuizAttempt stores a user's answer to a quiz question
type QuizAttempt struct {
	UserID    int64
	Question  string
	Selected  string
	Correct   bool
	Timestamp int64
}

// Stats summarizes a user's quiz history
type Stats struct {
	Correct   int
	Incorrect int
}

// Total returns the number of answered questions
func (s Stats) Total() int {
	return s.Correct + s.Incorrect
}

// Accuracy returns the share of correct answers in percent
func (s Stats) Accuracy() float64 {
	if s.Total() == 0 {
		return 0
	}
	return float64(s.Correct) / float64(s.Total()) * 100
}

// MissedQuestion is a question a user answered incorrectly, with the number of misses
type MissedQuestion struct {
	Question string
	Misses   int
}
