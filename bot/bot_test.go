package bot

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/korjavin/tutorbot/conversation"
	"github.com/korjavin/tutorbot/database"
	"github.com/korjavin/tutorbot/models"
	"github.com/korjavin/tutorbot/quiz"
)

const testChatID int64 = 7

type fakeSender struct {
	mu       sync.Mutex
	sent     []tgbotapi.MessageConfig
	requests []tgbotapi.Chattable
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	return tgbotapi.Message{MessageID: len(f.sent)}, nil
}

func (f *fakeSender) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeSender) last(t *testing.T) tgbotapi.MessageConfig {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)
	return f.sent[len(f.sent)-1]
}

type replyLLM struct {
	replies []string
	err     error
}

func (r *replyLLM) Complete(_ context.Context, _ []models.Message) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	if len(r.replies) == 0 {
		return "", errors.New("no reply")
	}
	reply := r.replies[0]
	r.replies = r.replies[1:]
	return reply, nil
}

func newTestBot(t *testing.T, llm conversation.Completer, policy conversation.Policy) (*Bot, *fakeSender, *database.DB) {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "tutor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	registry := conversation.NewRegistry(func() *conversation.Machine {
		return conversation.NewMachine(llm, policy, nil)
	}, time.Hour, nil)

	fs := &fakeSender{}
	return newBot(fs, db, registry, nil), fs, db
}

func command(text string) *tgbotapi.Message {
	name := strings.SplitN(text, " ", 2)[0]
	return &tgbotapi.Message{
		Text:     text,
		Chat:     &tgbotapi.Chat{ID: testChatID},
		From:     &tgbotapi.User{ID: 99},
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(name)}},
	}
}

func callback(data string) *tgbotapi.CallbackQuery {
	return &tgbotapi.CallbackQuery{
		ID:      "cb",
		From:    &tgbotapi.User{ID: 99},
		Data:    data,
		Message: &tgbotapi.Message{MessageID: 1, Chat: &tgbotapi.Chat{ID: testChatID}},
	}
}

func buttons(t *testing.T, msg tgbotapi.MessageConfig) []tgbotapi.InlineKeyboardButton {
	t.Helper()
	kb, ok := msg.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok, "message has no inline keyboard")
	var out []tgbotapi.InlineKeyboardButton
	for _, row := range kb.InlineKeyboard {
		out = append(out, row...)
	}
	return out
}

func TestBot_LessonAndQuizFlow(t *testing.T) {
	t.Parallel()

	q := models.Question{Question: "What do plants make?", Options: []string{"Sugar", "Steel"}, CorrectAnswer: "Sugar"}
	llm := &replyLLM{replies: []string{"Plants make <food>.\n" + quiz.Encode(q)}}
	b, fs, db := newTestBot(t, llm, conversation.Policy{RequireAcknowledgment: true})
	ctx := context.Background()

	b.handleMessage(ctx, command("/learn photosynthesis"))

	reply := fs.last(t)
	assert.Equal(t, tgbotapi.ModeHTML, reply.ParseMode)
	assert.Equal(t, "Plants make &lt;food&gt;.", reply.Text)
	btns := buttons(t, reply)
	require.Len(t, btns, 1)
	assert.Equal(t, readyLabel, btns[0].Text)
	require.NotNil(t, btns[0].CallbackData)
	ackData := *btns[0].CallbackData
	assert.True(t, strings.HasPrefix(ackData, callbackAck))

	// opening before reading is refused
	b.handleCallback(ctx, callback(callbackOpen))
	assert.Contains(t, fs.last(t).Text, "Read the lesson first")

	b.handleCallback(ctx, callback(ackData))
	var edited bool
	for _, r := range fs.requests {
		if edit, ok := r.(tgbotapi.EditMessageReplyMarkupConfig); ok {
			edited = true
			require.NotNil(t, edit.ReplyMarkup)
			assert.Equal(t, quizLabel, edit.ReplyMarkup.InlineKeyboard[0][0].Text)
		}
	}
	assert.True(t, edited)

	b.handleCallback(ctx, callback(callbackOpen))
	questionMsg := fs.last(t)
	assert.Contains(t, questionMsg.Text, "Question 1 of 1")
	assert.Len(t, buttons(t, questionMsg), 2)

	machine, ok := b.registry.Get(chatKey(testChatID))
	require.True(t, ok)
	assert.True(t, machine.Snapshot().QuizVisible)

	b.handleCallback(ctx, callback(callbackAnswer+"0:1"))
	feedback := fs.last(t)
	assert.Contains(t, feedback.Text, "Incorrect. The correct answer is: Sugar")
	assert.Equal(t, "Finish", buttons(t, feedback)[0].Text)

	b.handleCallback(ctx, callback(callbackNext))
	assert.Contains(t, fs.last(t).Text, "Quiz finished: 0 of 1 correct")
	snap := machine.Snapshot()
	assert.False(t, snap.QuizVisible)
	assert.Len(t, snap.Questions, 1, "questions are kept after closing")

	stats, err := db.Stats(99)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Incorrect)
}

func TestBot_NoAckPolicyShowsQuizButton(t *testing.T) {
	t.Parallel()

	q := models.Question{Question: "2+2?", Options: []string{"4", "5"}, CorrectAnswer: "4"}
	llm := &replyLLM{replies: []string{"Math.\n" + quiz.Encode(q)}}
	b, fs, _ := newTestBot(t, llm, conversation.Policy{})

	b.handleMessage(context.Background(), &tgbotapi.Message{
		Text: "arithmetic",
		Chat: &tgbotapi.Chat{ID: testChatID},
		From: &tgbotapi.User{ID: 99},
	})

	btns := buttons(t, fs.last(t))
	require.Len(t, btns, 1)
	assert.Equal(t, quizLabel, btns[0].Text)
}

func TestBot_FailureIsReported(t *testing.T) {
	t.Parallel()

	b, fs, _ := newTestBot(t, &replyLLM{err: errors.New("boom")}, conversation.Policy{})
	b.handleMessage(context.Background(), command("/learn go"))

	assert.Contains(t, fs.last(t).Text, "couldn't reach the tutor")
	machine, ok := b.registry.Get(chatKey(testChatID))
	require.True(t, ok)
	assert.Equal(t, conversation.PhaseActive, machine.Snapshot().Phase)
}

func TestBot_LearnWithoutTopic(t *testing.T) {
	t.Parallel()

	b, fs, _ := newTestBot(t, &replyLLM{}, conversation.Policy{})
	b.handleMessage(context.Background(), command("/learn"))
	assert.Contains(t, fs.last(t).Text, "Tell me what to learn")
}

func TestBot_StaleAnswerIgnored(t *testing.T) {
	t.Parallel()

	q := models.Question{Question: "2+2?", Options: []string{"4", "5"}, CorrectAnswer: "4"}
	llm := &replyLLM{replies: []string{quiz.Encode(q) + quiz.Encode(q)}}
	b, fs, _ := newTestBot(t, llm, conversation.Policy{})
	ctx := context.Background()

	b.handleMessage(ctx, command("/learn math"))
	b.handleCallback(ctx, callback(callbackOpen))
	b.handleCallback(ctx, callback(callbackAnswer+"0:0"))
	assert.Contains(t, fs.last(t).Text, "Correct!")
	b.handleCallback(ctx, callback(callbackNext))
	assert.Contains(t, fs.last(t).Text, "Question 2 of 2")

	count := len(fs.sent)
	b.handleCallback(ctx, callback(callbackAnswer+"0:1"))
	assert.Len(t, fs.sent, count)
}

func TestParseAnswer(t *testing.T) {
	t.Parallel()

	q, o, err := parseAnswer("2:3")
	require.NoError(t, err)
	assert.Equal(t, 2, q)
	assert.Equal(t, 3, o)

	for _, bad := range []string{"", "1", "a:1", "1:b", "1:2:3"} {
		_, _, err := parseAnswer(bad)
		assert.Error(t, err, bad)
	}
}

// gateLLM holds every completion until release is closed and records the
// highest number of concurrent calls
type gateLLM struct {
	mu      sync.Mutex
	current int
	max     int
	entered chan struct{}
	release chan struct{}
}

func newGateLLM() *gateLLM {
	return &gateLLM{entered: make(chan struct{}, 8), release: make(chan struct{})}
}

func (g *gateLLM) Complete(ctx context.Context, _ []models.Message) (string, error) {
	g.mu.Lock()
	g.current++
	if g.current > g.max {
		g.max = g.current
	}
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.current--
		g.mu.Unlock()
	}()

	g.entered <- struct{}{}
	select {
	case <-g.release:
		return "Cells are the units of life.", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (g *gateLLM) maxConcurrent() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.max
}

func TestBot_OneRequestInFlightPerChat(t *testing.T) {
	t.Parallel()

	llm := newGateLLM()
	b, fs, _ := newTestBot(t, llm, conversation.Policy{})
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.handleMessage(ctx, command("/learn cells"))
	}()

	select {
	case <-llm.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first request never reached the tutor")
	}

	b.handleMessage(ctx, command("/learn atoms"))
	assert.Contains(t, fs.last(t).Text, "still working")

	b.handleMessage(ctx, &tgbotapi.Message{
		Text: "and molecules?",
		Chat: &tgbotapi.Chat{ID: testChatID},
		From: &tgbotapi.User{ID: 99},
	})
	assert.Contains(t, fs.last(t).Text, "still working")

	close(llm.release)
	<-done

	assert.Equal(t, 1, llm.maxConcurrent())
	machine, ok := b.registry.Get(chatKey(testChatID))
	require.True(t, ok)
	snap := machine.Snapshot()
	assert.Equal(t, "cells", snap.Topic)
	assert.Equal(t, conversation.PhaseActive, snap.Phase)
	assert.Contains(t, fs.last(t).Text, "Cells are the units of life.")

	// the chat is free again once the reply arrived
	b.handleMessage(ctx, command("/learn atoms"))
	machine, ok = b.registry.Get(chatKey(testChatID))
	require.True(t, ok)
	assert.Equal(t, "atoms", machine.Snapshot().Topic)
	assert.Equal(t, 1, llm.maxConcurrent())
}

func TestBot_StatShowsRecentAnswers(t *testing.T) {
	t.Parallel()

	b, fs, db := newTestBot(t, &replyLLM{}, conversation.Policy{})
	long := strings.Repeat("Wie heißt die Hauptstadt von Österreich? ", 3)
	require.NoError(t, db.SaveAttempt(99, "2+2?", "4", true))
	require.NoError(t, db.SaveAttempt(99, long, "Graz", false))

	b.handleMessage(context.Background(), command("/stat"))

	text := fs.last(t).Text
	assert.True(t, utf8.ValidString(text))
	assert.Contains(t, text, "Total Questions Answered: 2")
	assert.Contains(t, text, "Most Challenging Questions:")
	assert.Contains(t, text, "Recent Answers:")
	assert.Contains(t, text, "❌ "+shorten(long, 50)+": Graz")
	assert.Contains(t, text, "✅ 2+2?: 4")
	assert.Less(t, strings.Index(text, "Graz"), strings.Index(text, "2+2?: 4"), "newest answer first")
}
