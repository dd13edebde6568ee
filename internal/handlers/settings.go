package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/tubewise/tube-web-ui/internal/generation"
)

// Setting keys shared with the store. The credential helpers in services are
// wired to the same names by cmd/server.
const (
	settingAPIKey           = "apiKey"
	settingModel            = "model"
	settingSystemPrompt     = "systemPrompt"
	settingChatSystemPrompt = "chatSystemPrompt"
)

type settingsPageData struct {
	HasAPIKey        bool
	Model            string
	SystemPrompt     string
	ChatSystemPrompt string
	Saved            bool
	Error            string
}

// HandleSettings serves the settings page and persists updates to it. Saving a
// new API key validates it against the provider when a validator is wired; a
// rejected key is removed again so the overlay keeps prompting. Any successful
// save is broadcast over SSE so an overlay waiting on a credential can
// re-submit the request that triggered the prompt.
func (m Main) HandleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		m.renderSettings(w, r, settingsPageData{})
	case http.MethodPost:
		m.saveSettings(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (m Main) renderSettings(w http.ResponseWriter, r *http.Request, data settingsPageData) {
	ctx := r.Context()

	apiKey, err := m.store.Setting(ctx, settingAPIKey)
	if err != nil {
		m.logger.Error("Failed to read settings", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	data.HasAPIKey = apiKey != ""
	data.Model, _ = m.store.Setting(ctx, settingModel)
	data.SystemPrompt, _ = m.store.Setting(ctx, settingSystemPrompt)
	data.ChatSystemPrompt, _ = m.store.Setting(ctx, settingChatSystemPrompt)

	if err := m.templates.ExecuteTemplate(w, "settings.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m Main) saveSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	for _, key := range []string{settingModel, settingSystemPrompt, settingChatSystemPrompt} {
		if !r.Form.Has(key) {
			continue
		}
		if err := m.store.SetSetting(ctx, key, r.Form.Get(key)); err != nil {
			m.logger.Error("Failed to save setting",
				slog.String("key", key),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	if apiKey := r.FormValue(settingAPIKey); apiKey != "" {
		if err := m.store.SetSetting(ctx, settingAPIKey, apiKey); err != nil {
			m.logger.Error("Failed to save api key", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		if m.validator != nil {
			if err := m.validator.ValidateKey(ctx); err != nil {
				if errors.Is(err, generation.ErrInvalidCredential) {
					// We remove the rejected key so the next attempt
					// re-prompts instead of repeating the same failure
					if derr := m.store.DeleteSetting(ctx, settingAPIKey); derr != nil {
						m.logger.Error("Failed to remove invalid api key",
							slog.String(errLoggerKey, derr.Error()))
					}
					m.renderSettings(w, r, settingsPageData{Error: "Invalid API key. Please provide a valid API key."})
					return
				}
				// Other validation failures might be temporary or unrelated to the key
				m.logger.Warn("Key validation inconclusive", slog.String(errLoggerKey, err.Error()))
			}
		}
	}

	if err := m.sink.PublishSettingsChanged(); err != nil {
		m.logger.Error("Failed to publish settings change",
			slog.String(errLoggerKey, err.Error()))
	}

	m.renderSettings(w, r, settingsPageData{Saved: true})
}
