package conversation

import (
	"strings"

	"github.com/korjavin/tutorbot/models"
	"github.com/korjavin/tutorbot/quiz"
)

// Event is an input to Reduce
type Event interface {
	eventName() string
}

// Started opens the conversation about Topic
type Started struct {
	Topic     string
	MessageID string
}

// Received delivers the assistant reply for the request in flight
type Received struct {
	Text      string
	MessageID string
}

// Failed reports that the request in flight did not produce a reply
type Failed struct {
	Err error
}

// Submitted sends a user message
type Submitted struct {
	Text      string
	MessageID string
}

// Acknowledged marks a message as read
type Acknowledged struct {
	MessageID string
}

// QuizOpened asks to show the quiz
type QuizOpened struct{}

// QuizClosed hides the quiz. Collected questions are kept so it can be reopened.
type QuizClosed struct{}

func (Started) eventName() string      { return "started" }
func (Received) eventName() string     { return "received" }
func (Failed) eventName() string       { return "failed" }
func (Submitted) eventName() string    { return "submitted" }
func (Acknowledged) eventName() string { return "acknowledged" }
func (QuizOpened) eventName() string   { return "quiz_opened" }
func (QuizClosed) eventName() string   { return "quiz_closed" }

// Effect is what the caller has to do after a transition
type Effect struct {
	// Request is set when a completion request must be issued
	Request []models.Message
	// Dropped lists question blocks that were discarded from a reply
	Dropped []*quiz.BlockDecodeError
	// NewQuestions is the number of questions a reply added
	NewQuestions int
}

// Reduce applies ev to s. A rejected event returns s unchanged together with the reason.
func Reduce(s State, ev Event, p Policy) (State, Effect, error) {
	switch e := ev.(type) {
	case Started:
		return reduceStarted(s, e)
	case Received:
		return reduceReceived(s, e)
	case Failed:
		return reduceFailed(s, e)
	case Submitted:
		return reduceSubmitted(s, e)
	case Acknowledged:
		return reduceAcknowledged(s, e)
	case QuizOpened:
		return reduceQuizOpened(s, p)
	case QuizClosed:
		next := s.clone()
		next.QuizVisible = false
		return next, Effect{}, nil
	default:
		return s, Effect{}, nil
	}
}

func reduceStarted(s State, e Started) (State, Effect, error) {
	if s.Phase != PhaseIdle {
		return s, Effect{}, ErrNotIdle
	}
	topic := strings.TrimSpace(e.Topic)
	if topic == "" {
		return s, Effect{}, ErrEmptyTopic
	}

	userMsg := models.Message{Role: models.RoleUser, Content: IntroPrompt(topic), ID: e.MessageID}

	next := s.clone()
	next.Topic = topic
	next.Messages = appendCapped(next.Messages, userMsg)
	next.Phase = PhaseAwaitingResponse
	next.LastError = nil

	return next, Effect{Request: []models.Message{systemMessage(), userMsg}}, nil
}

func reduceReceived(s State, e Received) (State, Effect, error) {
	if s.Phase != PhaseAwaitingResponse {
		return s, Effect{}, ErrNotAwaiting
	}

	_, questions, dropped := quiz.ExtractWithErrors(e.Text)
	msg := models.Message{
		Role:         models.RoleAssistant,
		Content:      e.Text,
		ID:           e.MessageID,
		HasQuestions: len(questions) > 0,
	}

	next := s.clone()
	next.Messages = appendCapped(next.Messages, msg)
	if len(questions) > 0 {
		next.Questions = append(next.Questions, questions...)
		next.HasUnreadQuestions = true
		if msg.ID != "" {
			next.QuestionMessages[msg.ID] = true
		}
	}
	next.Phase = PhaseActive
	next.LastError = nil

	return next, Effect{Dropped: dropped, NewQuestions: len(questions)}, nil
}

func reduceFailed(s State, e Failed) (State, Effect, error) {
	if s.Phase != PhaseAwaitingResponse {
		return s, Effect{}, ErrNotAwaiting
	}
	next := s.clone()
	next.Phase = PhaseActive
	next.LastError = e.Err
	return next, Effect{}, nil
}

func reduceSubmitted(s State, e Submitted) (State, Effect, error) {
	text := strings.TrimSpace(e.Text)
	if text == "" {
		return s, Effect{}, ErrEmptyInput
	}
	if s.Phase != PhaseActive {
		return s, Effect{}, ErrNotActive
	}

	userMsg := models.Message{Role: models.RoleUser, Content: text, ID: e.MessageID}

	prior := recent(s.Messages, MaxMessages)
	request := make([]models.Message, 0, len(prior)+2)
	request = append(request, systemMessage())
	request = append(request, prior...)
	request = append(request, userMsg)

	next := s.clone()
	next.Messages = appendCapped(next.Messages, userMsg)
	next.Phase = PhaseAwaitingResponse
	next.LastError = nil

	return next, Effect{Request: request}, nil
}

func reduceAcknowledged(s State, e Acknowledged) (State, Effect, error) {
	if !s.hasMessage(e.MessageID) {
		return s, Effect{}, ErrUnknownMessage
	}
	next := s.clone()
	next.Acknowledged[e.MessageID] = true
	return next, Effect{}, nil
}

func reduceQuizOpened(s State, p Policy) (State, Effect, error) {
	if err := s.quizGate(p); err != nil {
		return s, Effect{}, err
	}
	next := s.clone()
	next.QuizVisible = true
	next.HasUnreadQuestions = false
	return next, Effect{}, nil
}
