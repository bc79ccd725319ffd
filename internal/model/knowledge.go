package model

import (
	"time"

	"github.com/google/uuid"
)

// SourceType identifies where a knowledge document came from.
type SourceType string

const (
	SourceTramite SourceType = "tramite"
	SourceOPA     SourceType = "opa"
	SourceFAQ     SourceType = "faq"
	SourceManual  SourceType = "manual"
)

// KnowledgeDocument is a unit of text the chatbot can draw on. Catalog
// entities are rendered into documents automatically; manual documents are
// uploaded by editors.
type KnowledgeDocument struct {
	ID          uuid.UUID  `json:"id"`
	SourceType  SourceType `json:"source_type"`
	SourceID    string     `json:"source_id"`
	Title       string     `json:"title"`
	Content     string     `json:"content"`
	URL         string     `json:"url,omitempty"`
	ContentHash string     `json:"content_hash"`
	ChunkCount  int        `json:"chunk_count"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// KnowledgeChunk is one embedded slice of a document.
type KnowledgeChunk struct {
	ID         uuid.UUID `json:"id"`
	DocumentID uuid.UUID `json:"document_id"`
	Index      int       `json:"index"`
	Content    string    `json:"content"`
}

// ChunkHit is a retrieved chunk with the metadata of its document.
type ChunkHit struct {
	Chunk         KnowledgeChunk `json:"chunk"`
	DocumentTitle string         `json:"document_title"`
	DocumentURL   string         `json:"document_url,omitempty"`
	SourceType    SourceType     `json:"source_type"`
	SourceID      string         `json:"source_id"`
	Score         float64        `json:"score"`
}

// CreateDocumentRequest is the body of POST /v1/admin/knowledge/documents.
type CreateDocumentRequest struct {
	SourceID string `json:"source_id"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	URL      string `json:"url,omitempty"`
}

// MaxDocumentContentLen bounds manual uploads.
const MaxDocumentContentLen = 512 * 1024

// ChatRole is the author of a chat message.
type ChatRole string

const (
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
)

// ChatSession groups the messages of one conversation.
type ChatSession struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChatMessage is one turn of a conversation.
type ChatMessage struct {
	ID        uuid.UUID    `json:"id"`
	SessionID uuid.UUID    `json:"session_id"`
	Role      ChatRole     `json:"role"`
	Content   string       `json:"content"`
	Sources   []ChatSource `json:"sources,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// ChatSource is a citation attached to an assistant answer.
type ChatSource struct {
	Type  SourceType `json:"type"`
	ID    string     `json:"id"`
	Title string     `json:"title"`
	URL   string     `json:"url,omitempty"`
	Score float64    `json:"score"`
}

// AskRequest is the body of POST /v1/chat.
type AskRequest struct {
	SessionID *uuid.UUID `json:"session_id,omitempty"`
	Question  string     `json:"question"`
}

// AskResponse is returned by POST /v1/chat.
type AskResponse struct {
	SessionID uuid.UUID    `json:"session_id"`
	Answer    string       `json:"answer"`
	Sources   []ChatSource `json:"sources"`
}
