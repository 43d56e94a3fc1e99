package conversation

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/korjavin/tutorbot/models"
	"github.com/korjavin/tutorbot/quiz"
)

var ackPolicy = Policy{RequireAcknowledgment: true}

func question(text string) models.Question {
	return models.Question{
		Question:      text,
		Options:       []string{"Option 1", "Option 2", "Option 3", "Option 4"},
		CorrectAnswer: "Option 1",
	}
}

func mustReduce(t *testing.T, s State, ev Event, p Policy) (State, Effect) {
	t.Helper()
	next, eff, err := Reduce(s, ev, p)
	require.NoError(t, err)
	return next, eff
}

// activeState returns a conversation that has started and received its first reply
func activeState(t *testing.T, reply string) State {
	t.Helper()
	s, _ := mustReduce(t, NewState(), Started{Topic: "photosynthesis", MessageID: "u0"}, ackPolicy)
	s, _ = mustReduce(t, s, Received{Text: reply, MessageID: "a0"}, ackPolicy)
	return s
}

func TestReduce_Started(t *testing.T) {
	t.Parallel()

	s, eff := mustReduce(t, NewState(), Started{Topic: "  photosynthesis ", MessageID: "u0"}, ackPolicy)

	assert.Equal(t, PhaseAwaitingResponse, s.Phase)
	assert.True(t, s.Loading())
	assert.Equal(t, "photosynthesis", s.Topic)
	require.Len(t, eff.Request, 2)
	assert.Equal(t, models.RoleSystem, eff.Request[0].Role)
	assert.Equal(t, SystemInstruction, eff.Request[0].Content)
	assert.Equal(t, models.RoleUser, eff.Request[1].Role)
	assert.Equal(t, "I want to learn about photosynthesis. Please explain it in simple terms.", eff.Request[1].Content)

	_, _, err := Reduce(s, Started{Topic: "again"}, ackPolicy)
	assert.ErrorIs(t, err, ErrNotIdle)

	_, _, err = Reduce(NewState(), Started{Topic: "   "}, ackPolicy)
	assert.ErrorIs(t, err, ErrEmptyTopic)
}

func TestReduce_ReceivedWithQuestion(t *testing.T) {
	t.Parallel()

	reply := "Plants use light.\n" + quiz.Encode(question("What do plants use?"))
	s := activeState(t, reply)

	assert.Equal(t, PhaseActive, s.Phase)
	require.Len(t, s.Questions, 1)
	assert.Equal(t, "Option 1", s.Questions[0].CorrectAnswer)
	assert.True(t, s.HasUnreadQuestions)

	var assistant []models.Message
	for _, m := range s.Messages {
		if m.Role == models.RoleAssistant {
			assistant = append(assistant, m)
		}
	}
	require.Len(t, assistant, 1)
	assert.True(t, assistant[0].HasQuestions)
	assert.Equal(t, "a0", assistant[0].ID)
	assert.Equal(t, "Plants use light.\n", Display(assistant[0]))
}

func TestReduce_ReceivedWithoutQuestion(t *testing.T) {
	t.Parallel()

	s := activeState(t, "just prose [MULTIPLE_CHOICE]{broken[/MULTIPLE_CHOICE]")
	assert.Empty(t, s.Questions)
	assert.False(t, s.HasUnreadQuestions)
	assert.False(t, s.Messages[len(s.Messages)-1].HasQuestions)
}

func TestReduce_ReceivedRejectedWhenNotAwaiting(t *testing.T) {
	t.Parallel()

	idle := NewState()
	_, _, err := Reduce(idle, Received{Text: "hello"}, ackPolicy)
	assert.ErrorIs(t, err, ErrNotAwaiting)

	active := activeState(t, "hello")
	next, _, err := Reduce(active, Received{Text: "duplicate", MessageID: "dup"}, ackPolicy)
	assert.ErrorIs(t, err, ErrNotAwaiting)
	assert.Equal(t, active, next)

	_, _, err = Reduce(active, Failed{Err: errors.New("late")}, ackPolicy)
	assert.ErrorIs(t, err, ErrNotAwaiting)
}

func TestReduce_SubmittedBlankIsNoop(t *testing.T) {
	t.Parallel()

	s := activeState(t, "hello")
	for _, text := range []string{"", "   ", "\n\t"} {
		next, eff, err := Reduce(s, Submitted{Text: text, MessageID: "x"}, ackPolicy)
		assert.ErrorIs(t, err, ErrEmptyInput)
		assert.Equal(t, s, next)
		assert.Nil(t, eff.Request)
	}
}

func TestReduce_SubmittedRequiresActive(t *testing.T) {
	t.Parallel()

	s, _ := mustReduce(t, NewState(), Started{Topic: "go", MessageID: "u0"}, ackPolicy)
	_, _, err := Reduce(s, Submitted{Text: "second question"}, ackPolicy)
	assert.ErrorIs(t, err, ErrNotActive)

	_, _, err = Reduce(NewState(), Submitted{Text: "hi"}, ackPolicy)
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestReduce_SubmittedRequestPayload(t *testing.T) {
	t.Parallel()

	s := activeState(t, "first reply")
	s, eff := mustReduce(t, s, Submitted{Text: "  tell me more  ", MessageID: "u1"}, ackPolicy)

	assert.Equal(t, PhaseAwaitingResponse, s.Phase)
	require.Len(t, eff.Request, 4)
	assert.Equal(t, models.RoleSystem, eff.Request[0].Role)
	assert.Equal(t, "u0", eff.Request[1].ID)
	assert.Equal(t, "a0", eff.Request[2].ID)
	assert.Equal(t, "tell me more", eff.Request[3].Content)
	assert.Equal(t, "tell me more", s.Messages[len(s.Messages)-1].Content)
}

func TestReduce_HistoryCap(t *testing.T) {
	t.Parallel()

	s := activeState(t, "reply 0")
	for i := 1; i <= 30; i++ {
		var eff Effect
		s, eff = mustReduce(t, s, Submitted{Text: fmt.Sprintf("question %d", i), MessageID: fmt.Sprintf("u%d", i)}, ackPolicy)
		assert.LessOrEqual(t, len(eff.Request), MaxMessages+2)
		s, _ = mustReduce(t, s, Received{Text: fmt.Sprintf("reply %d", i), MessageID: fmt.Sprintf("a%d", i)}, ackPolicy)
		assert.LessOrEqual(t, len(s.Messages), MaxMessages)
	}

	require.Len(t, s.Messages, MaxMessages)
	// the last ten exchanges remain, oldest first
	for i, m := range s.Messages {
		n := 21 + i/2
		if i%2 == 0 {
			assert.Equal(t, fmt.Sprintf("question %d", n), m.Content)
		} else {
			assert.Equal(t, fmt.Sprintf("reply %d", n), m.Content)
		}
	}
}

func TestReduce_FailedKeepsHistory(t *testing.T) {
	t.Parallel()

	s := activeState(t, "reply")
	s, _ = mustReduce(t, s, Submitted{Text: "follow up", MessageID: "u1"}, ackPolicy)
	cause := errors.New("connection reset")
	s, _ = mustReduce(t, s, Failed{Err: cause}, ackPolicy)

	assert.Equal(t, PhaseActive, s.Phase)
	assert.Equal(t, cause, s.LastError)
	last := s.Messages[len(s.Messages)-1]
	assert.Equal(t, models.RoleUser, last.Role)
	assert.Equal(t, "follow up", last.Content)

	// a new submission clears the error
	s, _ = mustReduce(t, s, Submitted{Text: "retry", MessageID: "u2"}, ackPolicy)
	assert.NoError(t, s.LastError)
}

func TestReduce_QuizGate(t *testing.T) {
	t.Parallel()

	t.Run("no questions", func(t *testing.T) {
		s := activeState(t, "no questions here")
		for _, p := range []Policy{ackPolicy, {}} {
			next, _, err := Reduce(s, QuizOpened{}, p)
			assert.ErrorIs(t, err, ErrNoQuestions)
			assert.False(t, next.QuizVisible)
		}
	})

	t.Run("acknowledgment required", func(t *testing.T) {
		s := activeState(t, quiz.Encode(question("q?")))
		assert.False(t, s.ReadyForQuiz(ackPolicy))

		_, _, err := Reduce(s, QuizOpened{}, ackPolicy)
		assert.ErrorIs(t, err, ErrNotAcknowledged)

		s, _ = mustReduce(t, s, Acknowledged{MessageID: "a0"}, ackPolicy)
		assert.True(t, s.ReadyForQuiz(ackPolicy))
		s, _ = mustReduce(t, s, QuizOpened{}, ackPolicy)
		assert.True(t, s.QuizVisible)
		assert.False(t, s.HasUnreadQuestions)
	})

	t.Run("acknowledgment not required", func(t *testing.T) {
		s := activeState(t, quiz.Encode(question("q?")))
		s, _ = mustReduce(t, s, QuizOpened{}, Policy{})
		assert.True(t, s.QuizVisible)
	})

	t.Run("acknowledging a message without questions does not unlock", func(t *testing.T) {
		s := activeState(t, quiz.Encode(question("q?")))
		s, _ = mustReduce(t, s, Acknowledged{MessageID: "u0"}, ackPolicy)
		_, _, err := Reduce(s, QuizOpened{}, ackPolicy)
		assert.ErrorIs(t, err, ErrNotAcknowledged)
	})
}

func TestReduce_CloseKeepsQuestions(t *testing.T) {
	t.Parallel()

	s := activeState(t, quiz.Encode(question("q1?"))+quiz.Encode(question("q2?")))
	s, _ = mustReduce(t, s, QuizOpened{}, Policy{})
	s, _ = mustReduce(t, s, QuizClosed{}, Policy{})

	assert.False(t, s.QuizVisible)
	assert.Len(t, s.Questions, 2)

	s, _ = mustReduce(t, s, QuizOpened{}, Policy{})
	assert.True(t, s.QuizVisible)
}

func TestReduce_QuestionsAccumulate(t *testing.T) {
	t.Parallel()

	s := activeState(t, quiz.Encode(question("q1?")))
	s, _ = mustReduce(t, s, Submitted{Text: "more", MessageID: "u1"}, ackPolicy)
	s, eff := mustReduce(t, s, Received{Text: "text " + quiz.Encode(question("q2?")) + quiz.Encode(question("q3?")), MessageID: "a1"}, ackPolicy)

	assert.Equal(t, 2, eff.NewQuestions)
	require.Len(t, s.Questions, 3)
	assert.Equal(t, []string{"q1?", "q2?", "q3?"}, []string{s.Questions[0].Question, s.Questions[1].Question, s.Questions[2].Question})
	assert.True(t, s.QuestionMessages["a0"])
	assert.True(t, s.QuestionMessages["a1"])
}

func TestReduce_Acknowledged(t *testing.T) {
	t.Parallel()

	s := activeState(t, quiz.Encode(question("q?")))

	next, _, err := Reduce(s, Acknowledged{MessageID: "missing"}, ackPolicy)
	assert.ErrorIs(t, err, ErrUnknownMessage)
	assert.Empty(t, next.Acknowledged)

	_, _, err = Reduce(s, Acknowledged{MessageID: ""}, ackPolicy)
	assert.ErrorIs(t, err, ErrUnknownMessage)

	next, _ = mustReduce(t, s, Acknowledged{MessageID: "a0"}, ackPolicy)
	assert.True(t, next.Acknowledged["a0"])
	assert.Equal(t, s.Phase, next.Phase)
	// the input state is untouched
	assert.False(t, s.Acknowledged["a0"])
}

func TestReduce_AcknowledgeEvictedQuestionMessage(t *testing.T) {
	t.Parallel()

	s := activeState(t, quiz.Encode(question("q?")))
	for i := 1; i <= MaxMessages; i++ {
		s, _ = mustReduce(t, s, Submitted{Text: "more", MessageID: fmt.Sprintf("u%d", i)}, ackPolicy)
		s, _ = mustReduce(t, s, Received{Text: "reply", MessageID: fmt.Sprintf("a%d", i)}, ackPolicy)
	}
	for _, m := range s.Messages {
		require.NotEqual(t, "a0", m.ID)
	}

	s, _ = mustReduce(t, s, Acknowledged{MessageID: "a0"}, ackPolicy)
	assert.True(t, s.ReadyForQuiz(ackPolicy))
}

func TestSystemInstructionCarriesGrammar(t *testing.T) {
	t.Parallel()

	assert.Contains(t, SystemInstruction, quiz.OpenMarker)
	assert.Contains(t, SystemInstruction, quiz.CloseMarker)

	_, questions := quiz.Extract(SystemInstruction)
	require.Len(t, questions, 1)
	assert.Equal(t, "Your question here?", questions[0].Question)
	assert.True(t, strings.Contains(SystemInstruction, `"correctAnswer"`))
}
