package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/korjavin/tutorbot/conversation"
	"github.com/korjavin/tutorbot/logger"
	"github.com/korjavin/tutorbot/models"
)

var errSessionNotFound = errors.New("session not found or expired")

// Handler exposes tutor conversations over JSON
type Handler struct {
	registry *conversation.Registry
	newID    func() string
	log      *logger.Logger
}

func NewHandler(registry *conversation.Registry, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{
		registry: registry,
		newID:    uuid.NewString,
		log:      log.With("component", "httpapi"),
	}
}

// NewRouter wires the handler routes onto a gin engine
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(h.log))

	r.GET("/healthz", h.HealthCheck)

	api := r.Group("/api/sessions")
	api.POST("", h.CreateSession)
	api.GET("/:id", h.GetSession)
	api.DELETE("/:id", h.EndSession)
	api.POST("/:id/messages", h.SendMessage)
	api.POST("/:id/ack/:messageId", h.Acknowledge)
	api.POST("/:id/quiz/open", h.OpenQuiz)
	api.POST("/:id/quiz/close", h.CloseQuiz)

	return r
}

type messageView struct {
	ID                  string `json:"id"`
	Role                string `json:"role"`
	Text                string `json:"text"`
	HasQuestions        bool   `json:"hasQuestions"`
	NeedsAcknowledgment bool   `json:"needsAcknowledgment"`
}

type sessionView struct {
	ID                 string            `json:"id"`
	Phase              string            `json:"phase"`
	Topic              string            `json:"topic"`
	Messages           []messageView     `json:"messages"`
	Questions          []models.Question `json:"questions"`
	HasUnreadQuestions bool              `json:"hasUnreadQuestions"`
	QuizVisible        bool              `json:"quizVisible"`
	Loading            bool              `json:"loading"`
	ReadyForQuiz       bool              `json:"readyForQuiz"`
	LastError          string            `json:"lastError,omitempty"`
}

func newSessionView(id string, snap conversation.Snapshot) sessionView {
	view := sessionView{
		ID:                 id,
		Phase:              snap.Phase.String(),
		Topic:              snap.Topic,
		Messages:           make([]messageView, 0, len(snap.Messages)),
		Questions:          snap.Questions,
		HasUnreadQuestions: snap.HasUnreadQuestions,
		QuizVisible:        snap.QuizVisible,
		Loading:            snap.Loading,
		ReadyForQuiz:       snap.ReadyForQuiz,
	}
	if view.Questions == nil {
		view.Questions = []models.Question{}
	}
	if snap.LastError != nil {
		view.LastError = snap.LastError.Error()
	}
	for _, m := range snap.Messages {
		view.Messages = append(view.Messages, messageView{
			ID:                  m.ID,
			Role:                string(m.Role),
			Text:                conversation.Display(m),
			HasQuestions:        m.HasQuestions,
			NeedsAcknowledgment: snap.NeedsAcknowledgment(m),
		})
	}
	return view
}

// rejection maps a refused transition to its HTTP status and error code.
// ok is false for completion failures, which are reported through lastError.
func rejection(err error) (status int, code string, ok bool) {
	switch {
	case errors.Is(err, conversation.ErrEmptyTopic):
		return http.StatusBadRequest, "empty_topic", true
	case errors.Is(err, conversation.ErrEmptyInput):
		return http.StatusBadRequest, "empty_input", true
	case errors.Is(err, conversation.ErrNotIdle),
		errors.Is(err, conversation.ErrNotActive),
		errors.Is(err, conversation.ErrNotAwaiting):
		return http.StatusConflict, "request_in_flight", true
	case errors.Is(err, conversation.ErrUnknownMessage):
		return http.StatusNotFound, "message_not_found", true
	case errors.Is(err, conversation.ErrNoQuestions):
		return http.StatusConflict, "no_questions", true
	case errors.Is(err, conversation.ErrNotAcknowledged):
		return http.StatusConflict, "not_acknowledged", true
	}
	return 0, "", false
}

func (h *Handler) machine(c *gin.Context) (*conversation.Machine, bool) {
	m, ok := h.registry.Get(c.Param("id"))
	if !ok {
		RespondError(c, http.StatusNotFound, "session_not_found", errSessionNotFound)
	}
	return m, ok
}

func (h *Handler) respond(c *gin.Context, status int, m *conversation.Machine, err error) {
	if err != nil {
		if status, code, ok := rejection(err); ok {
			RespondError(c, status, code, err)
			return
		}
		h.log.Warn("tutor request failed", "session_id", c.Param("id"), "error", err)
	}
	c.JSON(status, newSessionView(c.Param("id"), m.Snapshot()))
}

func (h *Handler) HealthCheck(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

type createSessionReq struct {
	Topic string `json:"topic"`
}

// POST /api/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if strings.TrimSpace(req.Topic) == "" {
		RespondError(c, http.StatusBadRequest, "empty_topic", conversation.ErrEmptyTopic)
		return
	}

	id := h.newID()
	m := h.registry.GetOrCreate(id)
	err := m.Start(c.Request.Context(), req.Topic)
	if err != nil {
		h.log.Warn("tutor request failed", "session_id", id, "error", err)
	}
	c.JSON(http.StatusCreated, newSessionView(id, m.Snapshot()))
}

// GET /api/sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	m, ok := h.machine(c)
	if !ok {
		return
	}
	RespondOK(c, newSessionView(c.Param("id"), m.Snapshot()))
}

// DELETE /api/sessions/:id
func (h *Handler) EndSession(c *gin.Context) {
	if _, ok := h.machine(c); !ok {
		return
	}
	h.registry.End(c.Param("id"))
	c.Status(http.StatusNoContent)
}

type sendMessageReq struct {
	Text string `json:"text"`
}

// POST /api/sessions/:id/messages
func (h *Handler) SendMessage(c *gin.Context) {
	m, ok := h.machine(c)
	if !ok {
		return
	}
	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	h.respond(c, http.StatusOK, m, m.Submit(c.Request.Context(), req.Text))
}

// POST /api/sessions/:id/ack/:messageId
func (h *Handler) Acknowledge(c *gin.Context) {
	m, ok := h.machine(c)
	if !ok {
		return
	}
	h.respond(c, http.StatusOK, m, m.Acknowledge(c.Param("messageId")))
}

// POST /api/sessions/:id/quiz/open
func (h *Handler) OpenQuiz(c *gin.Context) {
	m, ok := h.machine(c)
	if !ok {
		return
	}
	h.respond(c, http.StatusOK, m, m.OpenQuiz())
}

// POST /api/sessions/:id/quiz/close
func (h *Handler) CloseQuiz(c *gin.Context) {
	m, ok := h.machine(c)
	if !ok {
		return
	}
	m.CloseQuiz()
	h.respond(c, http.StatusOK, m, nil)
}
