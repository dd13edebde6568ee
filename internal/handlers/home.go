package handlers

import (
	"log/slog"
	"net/http"

	"github.com/tubewise/tube-web-ui/internal/models"
)

type homePageData struct {
	Sessions         []session
	CurrentSessionID string
	Context          string
	Messages         []message
	HasAPIKey        bool
}

// HandleHome serves the overlay page: the session list, the tab chrome, and
// the messages of the selected session when one is named in the query string.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	sessions, err := m.store.Sessions(r.Context())
	if err != nil {
		m.logger.Error("Failed to get sessions", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	currentSessionID := r.URL.Query().Get("session_id")

	data := homePageData{
		CurrentSessionID: currentSessionID,
		Context:          r.URL.Query().Get("context"),
	}
	for _, s := range sessions {
		data.Sessions = append(data.Sessions, session{
			ID:     s.ID,
			Title:  s.Title,
			Active: s.ID == currentSessionID,
		})
	}

	if currentSessionID != "" {
		messages, err := m.store.Messages(r.Context(), currentSessionID)
		if err != nil {
			m.logger.Error("Failed to get messages",
				slog.String("sessionID", currentSessionID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		for _, msg := range messages {
			data.Messages = append(data.Messages, message{
				ID:             msg.ID,
				Role:           string(msg.Role),
				Content:        msg.Content,
				Timestamp:      msg.Timestamp,
				StreamingState: models.StreamingStateEnded,
			})
		}
	}

	apiKey, err := m.store.Setting(r.Context(), settingAPIKey)
	if err != nil {
		m.logger.Error("Failed to read settings", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	data.HasAPIKey = apiKey != ""

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
