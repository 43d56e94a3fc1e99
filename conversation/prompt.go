package conversation

import (
	"fmt"

	"github.com/korjavin/tutorbot/models"
)

// SystemInstruction is prepended to every completion request. It spells out the
// question block format that quiz.Extract understands.
const SystemInstruction = `You are a helpful tutor. After providing information to educate the user, ask comprehension questions to check the users understanding. Your goal is to make sure the user has learned the topic and to help them achieve this.
When you want to ask multiple choice questions, format them like this:
[MULTIPLE_CHOICE]
{
  "question": "Your question here?",
  "options": ["Option 1", "Option 2", "Option 3", "Option 4"],
  "correctAnswer": "Option 1"
}
[/MULTIPLE_CHOICE]
The correctAnswer must be exactly one of the options.
You can include multiple question blocks in one response.`

func systemMessage() models.Message {
	return models.Message{Role: models.RoleSystem, Content: SystemInstruction}
}

// IntroPrompt is the user message that opens a conversation about topic
func IntroPrompt(topic string) string {
	return fmt.Sprintf("I want to learn about %s. Please explain it in simple terms.", topic)
}
