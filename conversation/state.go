package conversation

import (
	"errors"

	"github.com/korjavin/tutorbot/models"
	"github.com/korjavin/tutorbot/quiz"
)

// MaxMessages is the number of messages kept in history and replayed to the model
const MaxMessages = 20

var (
	ErrEmptyTopic      = errors.New("topic is empty")
	ErrEmptyInput      = errors.New("message is empty")
	ErrNotIdle         = errors.New("conversation already started")
	ErrNotActive       = errors.New("conversation is not ready for input")
	ErrNotAwaiting     = errors.New("no request is in flight")
	ErrUnknownMessage  = errors.New("unknown message id")
	ErrNoQuestions     = errors.New("no questions have been asked yet")
	ErrNotAcknowledged = errors.New("no question message has been read yet")
)

// Phase is the coarse state of a conversation
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitingResponse
	PhaseActive
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingResponse:
		return "awaiting_response"
	case PhaseActive:
		return "active"
	default:
		return "unknown"
	}
}

// Policy tunes when the quiz may be opened
type Policy struct {
	// RequireAcknowledgment makes OpenQuiz wait until the user has marked
	// at least one question-bearing message as read.
	RequireAcknowledgment bool
}

// State is the whole conversation. Reduce never modifies a State in place.
type State struct {
	Phase    Phase
	Topic    string
	Messages []models.Message

	// Acknowledged holds ids of messages the user marked as read
	Acknowledged map[string]bool
	// QuestionMessages holds ids of assistant messages that introduced questions,
	// including ones already evicted from Messages
	QuestionMessages map[string]bool

	Questions          []models.Question
	HasUnreadQuestions bool
	QuizVisible        bool
	LastError          error
}

// NewState returns an idle conversation
func NewState() State {
	return State{
		Phase:            PhaseIdle,
		Acknowledged:     map[string]bool{},
		QuestionMessages: map[string]bool{},
	}
}

// Loading reports whether a request is in flight
func (s State) Loading() bool {
	return s.Phase == PhaseAwaitingResponse
}

// ReadyForQuiz reports whether OpenQuiz would succeed under policy p
func (s State) ReadyForQuiz(p Policy) bool {
	return s.quizGate(p) == nil
}

func (s State) quizGate(p Policy) error {
	if len(s.Questions) == 0 {
		return ErrNoQuestions
	}
	if !p.RequireAcknowledgment {
		return nil
	}
	for id := range s.QuestionMessages {
		if s.Acknowledged[id] {
			return nil
		}
	}
	return ErrNotAcknowledged
}

func (s State) hasMessage(id string) bool {
	if id == "" {
		return false
	}
	if s.QuestionMessages[id] {
		return true
	}
	for _, m := range s.Messages {
		if m.ID == id {
			return true
		}
	}
	return false
}

// clone copies the collections so the result can be changed without touching s
func (s State) clone() State {
	out := s
	out.Messages = append([]models.Message(nil), s.Messages...)
	out.Questions = append([]models.Question(nil), s.Questions...)
	out.Acknowledged = make(map[string]bool, len(s.Acknowledged))
	for k, v := range s.Acknowledged {
		out.Acknowledged[k] = v
	}
	out.QuestionMessages = make(map[string]bool, len(s.QuestionMessages))
	for k, v := range s.QuestionMessages {
		out.QuestionMessages[k] = v
	}
	return out
}

// appendCapped appends m and drops the oldest messages beyond MaxMessages
func appendCapped(msgs []models.Message, m models.Message) []models.Message {
	msgs = append(msgs, m)
	if len(msgs) > MaxMessages {
		msgs = append([]models.Message(nil), msgs[len(msgs)-MaxMessages:]...)
	}
	return msgs
}

// recent returns the last n messages of msgs
func recent(msgs []models.Message, n int) []models.Message {
	if len(msgs) > n {
		return msgs[len(msgs)-n:]
	}
	return msgs
}

// Display returns the text of m as it should be shown, without question blocks
func Display(m models.Message) string {
	if m.Role != models.RoleAssistant {
		return m.Content
	}
	cleaned, _ := quiz.Extract(m.Content)
	return cleaned
}
