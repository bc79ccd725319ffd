package civica

// Roles used in Message.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a chatbot conversation as seen by a Completer.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
