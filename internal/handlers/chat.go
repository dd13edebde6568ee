package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tubewise/tube-web-ui/internal/generation"
	"github.com/tubewise/tube-web-ui/internal/models"
)

type session struct {
	ID    string
	Title string

	Active bool
}

type message struct {
	ID        string
	Role      string
	Content   string
	Timestamp time.Time

	StreamingState string
}

// HandleChat processes conversation-tab interactions through HTTP POST
// requests, managing both new session creation and message handling. It
// accepts a user message through form data, stores it alongside a placeholder
// for the assistant response, and starts a transcript-grounded generation
// whose deltas stream to the overlay through SSE.
//
// The handler expects "message", "video" and "context" form fields and an
// optional "session_id" field. If no session_id is provided, it creates a new
// session and generates its title asynchronously. Starting a generation for a
// context that already has one in flight supersedes the old generation.
func (m Main) HandleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	msg := r.FormValue("message")
	if msg == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	video := r.FormValue("video")
	if video == "" {
		m.logger.Error("Video is required")
		http.Error(w, "Video is required", http.StatusBadRequest)
		return
	}

	genContext := generation.Context(r.FormValue("context"))
	if genContext == "" {
		http.Error(w, "Context is required", http.StatusBadRequest)
		return
	}

	transcript, err := m.transcripts.Fetch(r.Context(), video, r.FormValue("language"))
	if err != nil {
		m.logger.Error("Failed to fetch transcript",
			slog.String("video", video),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	sessionID := r.FormValue("session_id")
	// We track if this is a new session to determine the appropriate template rendering strategy
	isNewSession := false
	if sessionID == "" {
		sessionID, err = m.newSession(transcript.VideoID)
		if err != nil {
			m.logger.Error("Failed to create new session", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		isNewSession = true
		go m.generateSessionTitle(sessionID, msg)
	}

	// We create two messages: the user's input and a placeholder the
	// assistant response streams into
	um := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleUser,
		Content:   msg,
		Timestamp: time.Now(),
	}
	userMsgID, err := m.store.AddMessage(r.Context(), sessionID, um)
	if err != nil {
		m.logger.Error("Failed to add user message",
			slog.String("message", fmt.Sprintf("%+v", um)),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	um.ID = userMsgID

	am := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleAssistant,
		Timestamp: time.Now(),
	}
	aiMsgID, err := m.store.AddMessage(r.Context(), sessionID, am)
	if err != nil {
		m.logger.Error("Failed to add assistant message",
			slog.String("message", fmt.Sprintf("%+v", am)),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	am.ID = aiMsgID

	history, err := m.store.Messages(r.Context(), sessionID)
	if err != nil {
		m.logger.Error("Failed to get messages",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	input := generation.Input{
		SystemPrompt: m.chatSystemPrompt(r.Context()),
		Transcript:   transcript.Text,
		Messages:     history,
	}

	// The persistence target must be in place before Start; a very fast
	// stream can complete before this handler returns.
	m.pending.set(genContext, chatTarget{sessionID: sessionID, messageID: aiMsgID})
	id := m.controller.Start(r.Context(), genContext, input)

	if isNewSession {
		// For new sessions, we prepare all messages with appropriate streaming states
		msgs := make([]message, len(history))
		for i := range history {
			// Mark only the assistant placeholder as "loading", others as "ended"
			streamingState := models.StreamingStateEnded
			if history[i].ID == aiMsgID {
				streamingState = models.StreamingStateLoading
			}
			msgs[i] = message{
				ID:             history[i].ID,
				Role:           string(history[i].Role),
				Content:        history[i].Content,
				Timestamp:      history[i].Timestamp,
				StreamingState: streamingState,
			}
		}

		data := chatboxData{
			SessionID:    sessionID,
			Context:      string(genContext),
			GenerationID: string(id),
			Messages:     msgs,
		}
		if err := m.templates.ExecuteTemplate(w, "chatbox", data); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	if err := m.templates.ExecuteTemplate(w, "user_message", message{
		ID:             userMsgID,
		Role:           string(um.Role),
		Content:        um.Content,
		Timestamp:      um.Timestamp,
		StreamingState: models.StreamingStateEnded,
	}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := m.templates.ExecuteTemplate(w, "ai_message", message{
		ID:             aiMsgID,
		Role:           string(am.Role),
		Content:        am.Content,
		Timestamp:      am.Timestamp,
		StreamingState: models.StreamingStateLoading,
	}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

type chatboxData struct {
	SessionID    string
	Context      string
	GenerationID string
	Messages     []message
}

func (m Main) newSession(videoID string) (string, error) {
	newSession := models.Session{
		ID:      uuid.New().String(),
		VideoID: videoID,
	}
	newSessionID, err := m.store.AddSession(context.Background(), newSession)
	if err != nil {
		return "", fmt.Errorf("failed to add session: %w", err)
	}
	newSession.ID = newSessionID

	divs, err := m.sessionDivs(newSession.ID)
	if err != nil {
		return "", fmt.Errorf("failed to create session divs: %w", err)
	}

	if err := m.sink.PublishSessions(divs); err != nil {
		return "", fmt.Errorf("failed to publish sessions: %w", err)
	}

	return newSession.ID, nil
}

func (m Main) generateSessionTitle(sessionID string, message string) {
	title, err := m.titleGen.GenerateTitle(context.Background(), message)
	if err != nil {
		m.logger.Error("Error generating session title",
			slog.String("message", message),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	sessions, err := m.store.Sessions(context.Background())
	if err != nil {
		m.logger.Error("Failed to get sessions",
			slog.String(errLoggerKey, err.Error()))
		return
	}

	for _, s := range sessions {
		if s.ID != sessionID {
			continue
		}
		s.Title = title
		if err := m.store.UpdateSession(context.Background(), s); err != nil {
			m.logger.Error("Failed to update session title",
				slog.String(errLoggerKey, err.Error()))
			return
		}
		break
	}

	divs, err := m.sessionDivs(sessionID)
	if err != nil {
		m.logger.Error("Failed to generate session divs",
			slog.String(errLoggerKey, err.Error()))
		return
	}

	if err := m.sink.PublishSessions(divs); err != nil {
		m.logger.Error("Failed to publish sessions",
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) sessionDivs(activeID string) (string, error) {
	sessions, err := m.store.Sessions(context.Background())
	if err != nil {
		return "", fmt.Errorf("failed to get sessions: %w", err)
	}

	var sb strings.Builder
	for _, s := range sessions {
		err := m.templates.ExecuteTemplate(&sb, "session_title", session{
			ID:     s.ID,
			Title:  s.Title,
			Active: s.ID == activeID,
		})
		if err != nil {
			return "", fmt.Errorf("failed to execute session_title template: %w", err)
		}
	}
	return sb.String(), nil
}
