package models

// Role identifies the author of a conversation message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry of the conversation history. It is never mutated after creation.
type Message struct {
	Role         Role   `json:"role"`
	Content      string `json:"content"`
	ID           string `json:"id,omitempty"`
	HasQuestions bool   `json:"hasQuestions"`
}
