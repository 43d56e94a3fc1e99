package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/korjavin/tutorbot/conversation"
	"github.com/korjavin/tutorbot/database"
	"github.com/korjavin/tutorbot/logger"
	"github.com/korjavin/tutorbot/models"
	"github.com/korjavin/tutorbot/quiz"
)

// quiz attempts made in the terminal are recorded under this user
const localUserID int64 = 0

func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat [topic]",
		Short: "Learn a topic in an interactive terminal session",
		RunE:  runChat,
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	// keep the terminal readable unless debugging
	machineLog := logger.Nop()
	if cfg.Debug {
		machineLog = log
	}

	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		log.Warn("quiz results will not be saved", "error", err)
	} else {
		defer db.Close()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := &repl{
		machine: conversation.NewMachine(newCompleter(cfg, machineLog), policy(cfg), machineLog),
		db:      db,
		in:      bufio.NewScanner(cmd.InOrStdin()),
		out:     cmd.OutOrStdout(),
	}
	return r.run(ctx, strings.Join(args, " "))
}

type repl struct {
	machine *conversation.Machine
	db      *database.DB
	in      *bufio.Scanner
	out     io.Writer
}

func (r *repl) printf(format string, a ...any) {
	fmt.Fprintf(r.out, format, a...)
}

func (r *repl) readLine() (string, bool) {
	if !r.in.Scan() {
		return "", false
	}
	return strings.TrimSpace(r.in.Text()), true
}

func (r *repl) run(ctx context.Context, topic string) error {
	for strings.TrimSpace(topic) == "" {
		r.printf("What would you like to learn about?\n> ")
		line, ok := r.readLine()
		if !ok {
			return nil
		}
		topic = line
	}

	r.printf("\n--- Lesson: %s ---\n(/read marks the lesson as read, /quiz takes the quiz, /quit exits)\n", topic)
	r.exchange(r.machine.Start(ctx, topic))

	for {
		r.printf("\n> ")
		line, ok := r.readLine()
		if !ok {
			break
		}

		switch line {
		case "":
			continue
		case "/quit", "/exit":
			r.printf("Goodbye!\n")
			return nil
		case "/read":
			r.acknowledge()
		case "/quiz":
			if !r.takeQuiz() {
				return nil
			}
		default:
			r.exchange(r.machine.Submit(ctx, line))
		}

		if ctx.Err() != nil {
			break
		}
	}
	return nil
}

// exchange reports the outcome of a request and prints the reply
func (r *repl) exchange(err error) {
	switch {
	case errors.Is(err, conversation.ErrNotActive):
		r.printf("Still waiting for the last answer.\n")
		return
	case err != nil:
		r.printf("⚠️  Could not reach the tutor: %v\n", err)
		return
	}

	snap := r.machine.Snapshot()
	for i := len(snap.Messages) - 1; i >= 0; i-- {
		m := snap.Messages[i]
		if m.Role != models.RoleAssistant {
			continue
		}
		r.printf("\n🤖 %s\n", strings.TrimSpace(conversation.Display(m)))
		if snap.NeedsAcknowledgment(m) {
			if r.machine.Policy().RequireAcknowledgment {
				r.printf("\n(%d question(s) so far. Type /read when you're ready for them.)\n", len(snap.Questions))
			} else {
				r.printf("\n(%d question(s) so far. Type /quiz to take the quiz.)\n", len(snap.Questions))
			}
		}
		return
	}
}

// acknowledge marks every unread question-bearing message as read
func (r *repl) acknowledge() {
	snap := r.machine.Snapshot()
	marked := 0
	for _, m := range snap.Messages {
		if !snap.NeedsAcknowledgment(m) {
			continue
		}
		if err := r.machine.Acknowledge(m.ID); err == nil {
			marked++
		}
	}
	if marked == 0 {
		r.printf("There is nothing new to read.\n")
		return
	}
	r.printf("Great! Type /quiz when you want to answer the questions.\n")
}

// takeQuiz walks through the collected questions. It returns false when input ends.
func (r *repl) takeQuiz() bool {
	err := r.machine.OpenQuiz()
	switch {
	case errors.Is(err, conversation.ErrNoQuestions):
		r.printf("No questions yet. Keep chatting and the tutor will ask some.\n")
		return true
	case errors.Is(err, conversation.ErrNotAcknowledged):
		r.printf("Read the lesson first, then type /read.\n")
		return true
	case err != nil:
		r.printf("Cannot open the quiz: %v\n", err)
		return true
	}
	defer r.machine.CloseQuiz()

	session, err := quiz.NewSession(r.machine.Snapshot().Questions)
	if err != nil {
		r.printf("Cannot open the quiz: %v\n", err)
		return true
	}

	for {
		q, idx := session.Current()
		r.printf("\nQuestion %d of %d: %s\n", idx+1, session.Len(), q.Question)
		for i, option := range q.Options {
			r.printf("  %d) %s\n", i+1, option)
		}

		option, ok := r.chooseOption(q)
		if !ok {
			return false
		}
		if err := session.Select(option); err != nil {
			r.printf("%v\n", err)
			continue
		}
		fb, err := session.Submit()
		if err != nil {
			r.printf("%v\n", err)
			continue
		}
		r.printf("%s\n", fb)
		r.record(q, fb)

		if !session.Next() {
			break
		}
	}

	correct, answered := session.Score()
	r.printf("\nQuiz finished: %d of %d correct.\n", correct, answered)
	return true
}

func (r *repl) chooseOption(q models.Question) (string, bool) {
	for {
		r.printf("Your answer (1-%d): ", len(q.Options))
		line, ok := r.readLine()
		if !ok {
			return "", false
		}
		n, err := strconv.Atoi(line)
		if err != nil || n < 1 || n > len(q.Options) {
			r.printf("Please enter a number between 1 and %d.\n", len(q.Options))
			continue
		}
		return q.Options[n-1], true
	}
}

func (r *repl) record(q models.Question, fb quiz.Feedback) {
	if r.db == nil {
		return
	}
	if err := r.db.SaveAttempt(localUserID, q.Question, fb.Selected, fb.Correct); err != nil {
		r.printf("(could not save the result: %v)\n", err)
	}
}
