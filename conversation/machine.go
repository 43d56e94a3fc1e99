package conversation

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/korjavin/tutorbot/logger"
	"github.com/korjavin/tutorbot/models"
)

// Completer produces the assistant reply for a list of messages
type Completer interface {
	Complete(ctx context.Context, messages []models.Message) (string, error)
}

// Snapshot is a read-only copy of a conversation for rendering
type Snapshot struct {
	Phase              Phase
	Topic              string
	Messages           []models.Message
	Questions          []models.Question
	Acknowledged       map[string]bool
	HasUnreadQuestions bool
	QuizVisible        bool
	Loading            bool
	ReadyForQuiz       bool
	LastError          error
}

// NeedsAcknowledgment reports whether m still shows the "ready for questions" control
func (s Snapshot) NeedsAcknowledgment(m models.Message) bool {
	return m.Role == models.RoleAssistant && m.ID != "" && m.HasQuestions && !s.Acknowledged[m.ID]
}

// Machine drives a conversation: it applies events to the state and issues the
// completion requests they call for. Only one request is in flight at a time.
type Machine struct {
	mu     sync.RWMutex
	state  State
	policy Policy
	llm    Completer
	newID  func() string
	log    *logger.Logger
}

// NewMachine creates an idle conversation backed by llm
func NewMachine(llm Completer, policy Policy, log *logger.Logger) *Machine {
	if log == nil {
		log = logger.Nop()
	}
	return &Machine{
		state:  NewState(),
		policy: policy,
		llm:    llm,
		newID:  uuid.NewString,
		log:    log.With("component", "conversation"),
	}
}

// Policy returns the quiz gating policy of the machine
func (m *Machine) Policy() Policy {
	return m.policy
}

// Start opens the conversation about topic and waits for the first reply.
// A failed request leaves the conversation active without an assistant message.
func (m *Machine) Start(ctx context.Context, topic string) error {
	req, err := m.dispatch(Started{Topic: topic, MessageID: m.newID()})
	if err != nil {
		return err
	}
	return m.roundTrip(ctx, req)
}

// Submit sends a user message and waits for the reply. Blank text is ignored
// with ErrEmptyInput.
func (m *Machine) Submit(ctx context.Context, text string) error {
	req, err := m.dispatch(Submitted{Text: text, MessageID: m.newID()})
	if err != nil {
		return err
	}
	return m.roundTrip(ctx, req)
}

// Receive delivers a reply for the request in flight. It is rejected with
// ErrNotAwaiting when nothing is pending.
func (m *Machine) Receive(text string) error {
	_, err := m.dispatch(Received{Text: text, MessageID: m.newID()})
	return err
}

// Fail reports that the request in flight failed
func (m *Machine) Fail(cause error) error {
	_, err := m.dispatch(Failed{Err: cause})
	return err
}

// Acknowledge marks the message with the given id as read
func (m *Machine) Acknowledge(id string) error {
	_, err := m.dispatch(Acknowledged{MessageID: id})
	return err
}

// OpenQuiz shows the quiz when questions are available and the policy allows it
func (m *Machine) OpenQuiz() error {
	_, err := m.dispatch(QuizOpened{})
	return err
}

// CloseQuiz hides the quiz and keeps the collected questions
func (m *Machine) CloseQuiz() {
	_, _ = m.dispatch(QuizClosed{})
}

// Snapshot returns a copy of the current state
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.state.clone()
	return Snapshot{
		Phase:              s.Phase,
		Topic:              s.Topic,
		Messages:           s.Messages,
		Questions:          s.Questions,
		Acknowledged:       s.Acknowledged,
		HasUnreadQuestions: s.HasUnreadQuestions,
		QuizVisible:        s.QuizVisible,
		Loading:            s.Loading(),
		ReadyForQuiz:       s.ReadyForQuiz(m.policy),
		LastError:          s.LastError,
	}
}

func (m *Machine) dispatch(ev Event) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, eff, err := Reduce(m.state, ev, m.policy)
	if err != nil {
		m.log.Debug("event rejected", "event", ev.eventName(), "phase", m.state.Phase, "reason", err)
		return nil, err
	}
	m.state = next

	for _, d := range eff.Dropped {
		m.log.Debug("dropped question block", "error", d.Err, "payload", logger.Truncate(d.Payload, 200))
	}
	m.log.Debug("event applied",
		"event", ev.eventName(),
		"phase", next.Phase,
		"messages", len(next.Messages),
		"questions", len(next.Questions),
		"new_questions", eff.NewQuestions,
	)
	return eff.Request, nil
}

// roundTrip issues req without holding the lock. The AwaitingResponse phase
// keeps every other request-issuing event out until it resolves.
func (m *Machine) roundTrip(ctx context.Context, req []models.Message) error {
	reply, err := m.llm.Complete(ctx, req)
	if err != nil {
		m.log.Error("completion failed", "error", err)
		if ferr := m.Fail(err); ferr != nil {
			m.log.Warn("failure arrived with no request in flight", "error", ferr)
		}
		return err
	}
	return m.Receive(reply)
}
