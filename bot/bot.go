package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/korjavin/tutorbot/conversation"
	"github.com/korjavin/tutorbot/database"
	"github.com/korjavin/tutorbot/logger"
	"github.com/korjavin/tutorbot/models"
	"github.com/korjavin/tutorbot/quiz"
)

const (
	cmdStart = "start"
	cmdLearn = "learn"
	cmdQuiz  = "quiz"
	cmdStat  = "stat"
	cmdHelp  = "help"

	callbackAck    = "ack:"
	callbackOpen   = "quiz:open"
	callbackAnswer = "answer:"
	callbackNext   = "quiz:next"

	recentAttempts = 3

	readyLabel = "I've Read This and I'm Ready for Questions"
	quizLabel  = "Take Quiz"
)

// sender is the part of the Telegram API the bot uses
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Bot is the Telegram front end of the tutor
type Bot struct {
	api      sender
	updates  func() tgbotapi.UpdatesChannel
	db       *database.DB
	registry *conversation.Registry
	log      *logger.Logger

	mu       sync.Mutex
	quizzes  map[int64]*quiz.Session
	inFlight map[int64]bool
}

// New creates a bot polling Telegram with token
func New(token string, debug bool, db *database.DB, registry *conversation.Registry, log *logger.Logger) (*Bot, error) {
	botAPI, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}
	botAPI.Debug = debug

	b := newBot(botAPI, db, registry, log)
	b.updates = func() tgbotapi.UpdatesChannel {
		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		return botAPI.GetUpdatesChan(u)
	}
	b.log.Info("authorized on telegram", "account", botAPI.Self.UserName)
	return b, nil
}

func newBot(api sender, db *database.DB, registry *conversation.Registry, log *logger.Logger) *Bot {
	if log == nil {
		log = logger.Nop()
	}
	return &Bot{
		api:      api,
		db:       db,
		registry: registry,
		log:      log.With("component", "bot"),
		quizzes:  make(map[int64]*quiz.Session),
		inFlight: make(map[int64]bool),
	}
}

// Start listens for updates until ctx is done
func (b *Bot) Start(ctx context.Context) {
	b.log.Info("starting bot polling")

	updates := b.updates()
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			wg.Add(1)
			go func(update tgbotapi.Update) {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						b.log.Error("recovered from panic in update handler", "panic", r)
					}
				}()
				if update.CallbackQuery != nil {
					b.handleCallback(ctx, update.CallbackQuery)
				} else if update.Message != nil {
					b.handleMessage(ctx, update.Message)
				}
			}(update)
		}
	}
}

func chatKey(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}

// handleMessage processes incoming messages
func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	chatID := message.Chat.ID
	b.log.Debug("received message", "chat_id", chatID, "text", logger.Truncate(message.Text, 100))

	if message.IsCommand() {
		switch message.Command() {
		case cmdStart, cmdHelp:
			b.sendMessage(chatID, welcomeText)
		case cmdLearn:
			topic := strings.TrimSpace(message.CommandArguments())
			if topic == "" {
				b.sendMessage(chatID, "Tell me what to learn, for example: /learn photosynthesis")
				return
			}
			if !b.claim(chatID) {
				b.sendBusy(chatID)
				return
			}
			defer b.release(chatID)
			b.startTopic(ctx, chatID, topic)
		case cmdQuiz:
			b.openQuiz(chatID)
		case cmdStat:
			b.handleStatCommand(message)
		default:
			b.sendMessage(chatID, "Unknown command. Use /learn <topic> to begin or /help for assistance.")
		}
		return
	}

	if !b.claim(chatID) {
		b.sendBusy(chatID)
		return
	}
	defer b.release(chatID)

	machine := b.registry.GetOrCreate(chatKey(chatID))
	if machine.Snapshot().Phase == conversation.PhaseIdle {
		b.startTopic(ctx, chatID, message.Text)
		return
	}
	b.submit(ctx, chatID, machine, message.Text)
}

// claim reserves the chat for one request. It fails while another request
// for the chat is being handled or the chat's machine is still waiting for a reply.
func (b *Bot) claim(chatID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.inFlight[chatID] {
		return false
	}
	if m, ok := b.registry.Get(chatKey(chatID)); ok && m.Snapshot().Loading {
		return false
	}
	b.inFlight[chatID] = true
	return true
}

func (b *Bot) release(chatID int64) {
	b.mu.Lock()
	delete(b.inFlight, chatID)
	b.mu.Unlock()
}

func (b *Bot) sendBusy(chatID int64) {
	b.sendMessage(chatID, "I'm still working on your last message, one moment please.")
}

// startTopic and submit expect the chat to be claimed

func (b *Bot) startTopic(ctx context.Context, chatID int64, topic string) {
	b.dropQuiz(chatID)
	machine := b.registry.Reset(chatKey(chatID))
	b.sendTyping(chatID)

	err := machine.Start(ctx, topic)
	switch {
	case errors.Is(err, conversation.ErrEmptyTopic):
		b.sendMessage(chatID, "Please tell me a topic you want to learn about.")
		return
	case err != nil:
		b.reportFailure(chatID, err)
		return
	}
	b.sendLatestReply(chatID, machine)
}

func (b *Bot) submit(ctx context.Context, chatID int64, machine *conversation.Machine, text string) {
	b.sendTyping(chatID)

	err := machine.Submit(ctx, text)
	switch {
	case errors.Is(err, conversation.ErrEmptyInput):
		return
	case errors.Is(err, conversation.ErrNotActive):
		b.sendBusy(chatID)
		return
	case err != nil:
		b.reportFailure(chatID, err)
		return
	}
	b.sendLatestReply(chatID, machine)
}

func (b *Bot) reportFailure(chatID int64, err error) {
	b.log.Error("tutor request failed", "chat_id", chatID, "error", err)
	b.sendMessage(chatID, "Sorry, I couldn't reach the tutor right now. Please try again.")
}

// sendLatestReply shows the newest assistant message with its quiz controls
func (b *Bot) sendLatestReply(chatID int64, machine *conversation.Machine) {
	snap := machine.Snapshot()
	for i := len(snap.Messages) - 1; i >= 0; i-- {
		m := snap.Messages[i]
		if m.Role != models.RoleAssistant {
			continue
		}

		text := conversation.Display(m)
		if strings.TrimSpace(text) == "" {
			text = "I've prepared some questions for you."
		}

		var markup *tgbotapi.InlineKeyboardMarkup
		if snap.NeedsAcknowledgment(m) {
			markup = readyMarkup(m.ID)
			if !machine.Policy().RequireAcknowledgment {
				markup = quizMarkup()
			}
		}
		b.sendFormatted(chatID, text, markup)
		return
	}
}

func readyMarkup(messageID string) *tgbotapi.InlineKeyboardMarkup {
	kb := tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData(readyLabel, callbackAck+messageID),
	))
	return &kb
}

func quizMarkup() *tgbotapi.InlineKeyboardMarkup {
	kb := tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData(quizLabel, callbackOpen),
	))
	return &kb
}

// handleCallback processes callback queries from inline buttons
func (b *Bot) handleCallback(ctx context.Context, callback *tgbotapi.CallbackQuery) {
	if callback.Message == nil {
		return
	}
	chatID := callback.Message.Chat.ID
	b.log.Debug("handling callback", "chat_id", chatID, "data", callback.Data)

	b.sendCallbackResponse(callback.ID, "")

	switch data := callback.Data; {
	case strings.HasPrefix(data, callbackAck):
		b.acknowledge(chatID, callback.Message.MessageID, strings.TrimPrefix(data, callbackAck))
	case data == callbackOpen:
		b.openQuiz(chatID)
	case strings.HasPrefix(data, callbackAnswer):
		b.answer(chatID, callback.From.ID, strings.TrimPrefix(data, callbackAnswer))
	case data == callbackNext:
		b.nextQuestion(chatID)
	default:
		b.log.Warn("invalid callback data", "data", data)
	}
}

func (b *Bot) acknowledge(chatID int64, telegramMsgID int, messageID string) {
	machine, ok := b.registry.Get(chatKey(chatID))
	if !ok {
		b.sendMessage(chatID, "This lesson has expired. Use /learn <topic> to start again.")
		return
	}
	if err := machine.Acknowledge(messageID); err != nil {
		b.log.Warn("acknowledge failed", "chat_id", chatID, "message_id", messageID, "error", err)
		return
	}

	edit := tgbotapi.NewEditMessageReplyMarkup(chatID, telegramMsgID, *quizMarkup())
	if _, err := b.api.Request(edit); err != nil {
		b.log.Error("error editing reply markup", "error", err)
		b.sendFormatted(chatID, "Ready when you are.", quizMarkup())
	}
}

func (b *Bot) openQuiz(chatID int64) {
	machine, ok := b.registry.Get(chatKey(chatID))
	if !ok {
		b.sendMessage(chatID, "There is no lesson yet. Use /learn <topic> to begin.")
		return
	}

	err := machine.OpenQuiz()
	switch {
	case errors.Is(err, conversation.ErrNoQuestions):
		b.sendMessage(chatID, "No questions yet. Keep chatting and I'll ask some soon.")
		return
	case errors.Is(err, conversation.ErrNotAcknowledged):
		b.sendMessage(chatID, "Read the lesson first and press \""+readyLabel+"\".")
		return
	case err != nil:
		b.log.Error("open quiz failed", "chat_id", chatID, "error", err)
		return
	}

	session, err := quiz.NewSession(machine.Snapshot().Questions)
	if err != nil {
		machine.CloseQuiz()
		b.log.Error("failed to create quiz session", "error", err)
		return
	}

	b.mu.Lock()
	b.quizzes[chatID] = session
	q, idx := session.Current()
	total := session.Len()
	b.mu.Unlock()

	b.sendQuestion(chatID, q, idx, total)
}

func (b *Bot) sendQuestion(chatID int64, q models.Question, idx, total int) {
	var rows [][]tgbotapi.InlineKeyboardButton
	for i, option := range q.Options {
		data := fmt.Sprintf("%s%d:%d", callbackAnswer, idx, i)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(option, data)))
	}
	kb := tgbotapi.NewInlineKeyboardMarkup(rows...)
	b.sendFormatted(chatID, fmt.Sprintf("Question %d of %d:\n\n%s", idx+1, total, q.Question), &kb)
}

// parseAnswer splits "<question>:<option>" callback data
func parseAnswer(data string) (questionIdx, optionIdx int, err error) {
	parts := strings.Split(data, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid answer format: %q", data)
	}
	if questionIdx, err = strconv.Atoi(parts[0]); err != nil {
		return 0, 0, fmt.Errorf("invalid question number: %w", err)
	}
	if optionIdx, err = strconv.Atoi(parts[1]); err != nil {
		return 0, 0, fmt.Errorf("invalid option number: %w", err)
	}
	return questionIdx, optionIdx, nil
}

func (b *Bot) answer(chatID, userID int64, data string) {
	questionIdx, optionIdx, err := parseAnswer(data)
	if err != nil {
		b.log.Warn("invalid answer callback", "data", data, "error", err)
		return
	}

	b.mu.Lock()
	session, ok := b.quizzes[chatID]
	if !ok {
		b.mu.Unlock()
		b.sendMessage(chatID, "This quiz is closed. Use /quiz to take it again.")
		return
	}
	q, current := session.Current()
	if current != questionIdx || optionIdx < 0 || optionIdx >= len(q.Options) {
		b.mu.Unlock()
		return
	}
	if err := session.Select(q.Options[optionIdx]); err != nil {
		b.mu.Unlock()
		return
	}
	fb, err := session.Submit()
	last := session.IsLast()
	b.mu.Unlock()
	if err != nil {
		b.log.Error("submit answer failed", "error", err)
		return
	}

	if b.db != nil {
		if err := b.db.SaveAttempt(userID, q.Question, fb.Selected, fb.Correct); err != nil {
			b.log.Error("error saving quiz attempt", "error", err)
		}
	}

	label := "Next Question"
	if last {
		label = "Finish"
	}
	kb := tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData(label, callbackNext),
	))

	prefix := "✅ "
	if !fb.Correct {
		prefix = "❌ "
	}
	b.sendFormatted(chatID, prefix+fb.String(), &kb)
}

func (b *Bot) nextQuestion(chatID int64) {
	b.mu.Lock()
	session, ok := b.quizzes[chatID]
	if !ok {
		b.mu.Unlock()
		return
	}
	if !session.Answered() {
		b.mu.Unlock()
		return
	}
	if session.Next() {
		q, idx := session.Current()
		total := session.Len()
		b.mu.Unlock()
		b.sendQuestion(chatID, q, idx, total)
		return
	}
	correct, answered := session.Score()
	delete(b.quizzes, chatID)
	b.mu.Unlock()

	if machine, ok := b.registry.Get(chatKey(chatID)); ok {
		machine.CloseQuiz()
	}
	b.sendMessage(chatID, fmt.Sprintf("Quiz finished: %d of %d correct. Use /quiz to try again or keep asking questions.", correct, answered))
}

func (b *Bot) dropQuiz(chatID int64) {
	b.mu.Lock()
	delete(b.quizzes, chatID)
	b.mu.Unlock()
}

// handleStatCommand handles the /stat command
func (b *Bot) handleStatCommand(message *tgbotapi.Message) {
	if b.db == nil {
		b.sendMessage(message.Chat.ID, "Statistics are not available.")
		return
	}
	stats, err := b.db.Stats(message.From.ID)
	if err != nil {
		b.log.Error("error getting user stats", "error", err)
		b.sendMessage(message.Chat.ID, "Sorry, I couldn't retrieve your statistics. Please try again later.")
		return
	}

	text := fmt.Sprintf(`📊 Your Statistics:

Total Questions Answered: %d
Correct Answers: %d ✅
Incorrect Answers: %d ❌
Accuracy: %.1f%%`, stats.Total(), stats.Correct, stats.Incorrect, stats.Accuracy())

	if stats.Total() > 0 {
		missed, err := b.db.MostMissed(message.From.ID, 3)
		if err != nil {
			b.log.Error("error getting missed questions", "error", err)
		}
		if len(missed) > 0 {
			text += "\n\nMost Challenging Questions:\n"
			for i, m := range missed {
				text += fmt.Sprintf("%d. %s (missed %d×)\n", i+1, shorten(m.Question, 50), m.Misses)
			}
		}

		attempts, err := b.db.Attempts(message.From.ID)
		if err != nil {
			b.log.Error("error getting recent attempts", "error", err)
		}
		if len(attempts) > recentAttempts {
			attempts = attempts[len(attempts)-recentAttempts:]
		}
		if len(attempts) > 0 {
			if !strings.HasSuffix(text, "\n") {
				text += "\n"
			}
			text += "\nRecent Answers:\n"
			for i := len(attempts) - 1; i >= 0; i-- {
				a := attempts[i]
				mark := "✅"
				if !a.Correct {
					mark = "❌"
				}
				text += fmt.Sprintf("%s %s: %s\n", mark, shorten(a.Question, 50), a.Selected)
			}
		}
	}

	b.sendMessage(message.Chat.ID, text)
}

const welcomeText = `Welcome to TutorBot!

Tell me a topic and I'll explain it, then check your understanding with a short quiz.

Commands:
/learn <topic> - Start learning a new topic
/quiz - Take the quiz for the questions asked so far
/stat - View your quiz statistics
/help - Show this message

You can also just type a topic to begin, and keep asking follow-up questions.`

// sendMessage sends a plain text message
func (b *Bot) sendMessage(chatID int64, text string) {
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		b.log.Error("error sending message", "error", err)
	}
}

// sendFormatted sends text with HTML formatting and falls back to plain text
func (b *Bot) sendFormatted(chatID int64, text string, markup *tgbotapi.InlineKeyboardMarkup) {
	msg := tgbotapi.NewMessage(chatID, formatHTML(text))
	msg.ParseMode = tgbotapi.ModeHTML
	if markup != nil {
		msg.ReplyMarkup = *markup
	}

	if _, err := b.api.Send(msg); err != nil {
		b.log.Warn("formatted message failed, falling back to plain text", "error", err)
		plain := tgbotapi.NewMessage(chatID, text)
		if markup != nil {
			plain.ReplyMarkup = *markup
		}
		if _, err := b.api.Send(plain); err != nil {
			b.log.Error("plain text fallback also failed", "error", err)
		}
	}
}

func (b *Bot) sendTyping(chatID int64) {
	if _, err := b.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		b.log.Debug("error sending chat action", "error", err)
	}
}

// sendCallbackResponse acknowledges a callback query
func (b *Bot) sendCallbackResponse(callbackID, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		b.log.Debug("error sending callback response", "error", err)
	}
}
