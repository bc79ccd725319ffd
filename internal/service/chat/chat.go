// Package chat answers citizen questions from the municipal knowledge base.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/civica-gov/civica/internal/model"
	"github.com/civica-gov/civica/internal/service/llm"
	"github.com/civica-gov/civica/internal/storage"
)

// Conversation limits.
const (
	MaxQuestionLen = 2000
	HistoryWindow  = 10
	ContextChunks  = 5
)

var (
	// ErrInvalidQuestion is returned for empty or oversized questions.
	ErrInvalidQuestion = errors.New("chat: invalid question")

	// ErrSessionNotFound is returned when a session id does not exist.
	ErrSessionNotFound = errors.New("chat: session not found")

	// ErrUnavailable is returned when the language model cannot answer.
	ErrUnavailable = errors.New("chat: assistant unavailable")
)

const systemPrompt = `Eres el asistente virtual de la alcaldía. Respondes en español, con un tono cordial y claro, preguntas de la ciudadanía sobre trámites, OPAs, preguntas frecuentes y servicios municipales.

Reglas:
- Responde únicamente con la información del contexto entregado. No inventes requisitos, costos, plazos ni direcciones.
- Si el contexto no contiene la respuesta, dilo con franqueza y sugiere comunicarse con la alcaldía o radicar una PQRS.
- Cita las fuentes que usaste con su número entre corchetes, por ejemplo [1].
- Sé breve: usa listas cuando enumeres requisitos o pasos.`

// Store persists conversations. *storage.DB implements it.
type Store interface {
	CreateChatSession(ctx context.Context) (model.ChatSession, error)
	GetChatSession(ctx context.Context, id uuid.UUID) (model.ChatSession, error)
	AppendChatMessages(ctx context.Context, sessionID uuid.UUID, msgs ...model.ChatMessage) ([]model.ChatMessage, error)
	ListChatMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]model.ChatMessage, error)
}

// Retriever finds knowledge chunks relevant to a question.
// *knowledge.Service implements it.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int, types ...model.SourceType) ([]model.ChunkHit, error)
}

// Service runs conversations.
type Service struct {
	store     Store
	retriever Retriever
	completer llm.Completer
	logger    *slog.Logger
}

// New creates a chat service.
func New(store Store, retriever Retriever, completer llm.Completer, logger *slog.Logger) *Service {
	return &Service{store: store, retriever: retriever, completer: completer, logger: logger}
}

// ValidateQuestion trims q and checks its length.
func ValidateQuestion(q string) (string, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return "", fmt.Errorf("%w: question is required", ErrInvalidQuestion)
	}
	if utf8.RuneCountInString(q) > MaxQuestionLen {
		return "", fmt.Errorf("%w: question exceeds %d characters", ErrInvalidQuestion, MaxQuestionLen)
	}
	return q, nil
}

// Ask answers a question, starting a session when none is given, and
// stores both turns.
func (s *Service) Ask(ctx context.Context, req model.AskRequest) (model.AskResponse, error) {
	question, err := ValidateQuestion(req.Question)
	if err != nil {
		return model.AskResponse{}, err
	}

	session, err := s.session(ctx, req.SessionID)
	if err != nil {
		return model.AskResponse{}, err
	}

	history, err := s.store.ListChatMessages(ctx, session.ID, HistoryWindow)
	if err != nil {
		return model.AskResponse{}, fmt.Errorf("chat: load history: %w", err)
	}

	hits, err := s.retriever.Retrieve(ctx, question, ContextChunks)
	if err != nil {
		s.logger.Warn("chat: retrieval failed, answering without context", "error", err)
		hits = nil
	}

	answer, err := s.completer.Complete(ctx, BuildMessages(history, hits, question))
	if err != nil {
		s.logger.Error("chat: completion failed", "error", err, "session_id", session.ID)
		return model.AskResponse{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	sources := Sources(hits)
	if _, err := s.store.AppendChatMessages(ctx, session.ID,
		model.ChatMessage{Role: model.ChatRoleUser, Content: question},
		model.ChatMessage{Role: model.ChatRoleAssistant, Content: answer, Sources: sources},
	); err != nil {
		return model.AskResponse{}, fmt.Errorf("chat: save messages: %w", err)
	}

	return model.AskResponse{SessionID: session.ID, Answer: answer, Sources: sources}, nil
}

func (s *Service) session(ctx context.Context, id *uuid.UUID) (model.ChatSession, error) {
	if id == nil {
		sess, err := s.store.CreateChatSession(ctx)
		if err != nil {
			return model.ChatSession{}, fmt.Errorf("chat: create session: %w", err)
		}
		return sess, nil
	}
	sess, err := s.store.GetChatSession(ctx, *id)
	if errors.Is(err, storage.ErrNotFound) {
		return model.ChatSession{}, ErrSessionNotFound
	}
	if err != nil {
		return model.ChatSession{}, fmt.Errorf("chat: get session: %w", err)
	}
	return sess, nil
}

// History returns every message of a session in order.
func (s *Service) History(ctx context.Context, sessionID uuid.UUID) ([]model.ChatMessage, error) {
	if _, err := s.session(ctx, &sessionID); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListChatMessages(ctx, sessionID, 0)
	if err != nil {
		return nil, fmt.Errorf("chat: history: %w", err)
	}
	return msgs, nil
}

// BuildMessages assembles the model input: the system prompt, prior turns,
// and the question preceded by the numbered context chunks.
func BuildMessages(history []model.ChatMessage, hits []model.ChunkHit, question string) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	for _, m := range history {
		role := llm.RoleUser
		if m.Role == model.ChatRoleAssistant {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: m.Content})
	}

	var b strings.Builder
	if len(hits) > 0 {
		b.WriteString(llm.ContextMarker)
		for i, h := range hits {
			fmt.Fprintf(&b, "[%d] %s\n%s\n\n", i+1, h.DocumentTitle, strings.TrimSpace(h.Chunk.Content))
		}
	} else {
		b.WriteString("No se encontró información relacionada en la base de conocimiento.\n\n")
	}
	b.WriteString("Pregunta: ")
	b.WriteString(question)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: b.String()})
	return msgs
}

// Sources lists the distinct documents behind hits, keeping each one's best
// score, in first-seen order.
func Sources(hits []model.ChunkHit) []model.ChatSource {
	out := []model.ChatSource{}
	seen := make(map[string]int)
	for _, h := range hits {
		key := string(h.SourceType) + "/" + h.SourceID
		if i, ok := seen[key]; ok {
			out[i].Score = max(out[i].Score, h.Score)
			continue
		}
		seen[key] = len(out)
		out = append(out, model.ChatSource{
			Type:  h.SourceType,
			ID:    h.SourceID,
			Title: h.DocumentTitle,
			URL:   h.DocumentURL,
			Score: h.Score,
		})
	}
	return out
}
