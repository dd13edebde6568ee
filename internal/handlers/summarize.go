package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/tubewise/tube-web-ui/internal/generation"
	"github.com/tubewise/tube-web-ui/internal/services"
)

type summaryPanelData struct {
	Context      string
	GenerationID string
	VideoID      string
	Language     string
	TrackID      string
	Transcript   string
}

func transcriptErrorStatus(err error) int {
	var terr *services.TranscriptError
	if !errors.As(err, &terr) {
		return http.StatusBadGateway
	}
	switch terr.Kind {
	case services.TranscriptErrTooManyRequests:
		return http.StatusTooManyRequests
	case services.TranscriptErrLanguageNotAvailable,
		services.TranscriptErrNotAvailable,
		services.TranscriptErrDisabled,
		services.TranscriptErrVideoUnavailable:
		return http.StatusUnprocessableEntity
	}
	return http.StatusBadGateway
}

// HandleSummarize starts a summary generation for a video. It expects "video"
// (a watch URL or bare video ID) and "context" form fields plus an optional
// "language" hint. Submitting again for the same context — regenerate or a
// language change — supersedes the generation already in flight.
//
// On success it renders the summary panel with the transcript loaded; the
// summary itself streams to the panel over SSE, tagged with the returned
// generation id.
func (m Main) HandleSummarize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
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

	language := r.FormValue("language")

	transcript, err := m.transcripts.Fetch(r.Context(), video, language)
	if err != nil {
		m.logger.Error("Failed to fetch transcript",
			slog.String("video", video),
			slog.String("language", language),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), transcriptErrorStatus(err))
		return
	}

	input := generation.Input{
		SystemPrompt: m.systemPrompt(r.Context()),
		Transcript:   transcript.Text,
		Prompt:       m.prompts.SummaryUser,
	}

	// A summary supersedes any chat generation in flight on this context;
	// its placeholder must not capture the summary text.
	m.pending.clear(genContext)
	id := m.controller.Start(r.Context(), genContext, input)

	data := summaryPanelData{
		Context:      string(genContext),
		GenerationID: string(id),
		VideoID:      transcript.VideoID,
		Language:     transcript.Language,
		TrackID:      transcript.TrackID,
		Transcript:   transcript.Text,
	}
	if err := m.templates.ExecuteTemplate(w, "summary_panel", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleCancel aborts the active generation for a context, if any. Cancelling
// an idle context is a no-op.
func (m Main) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	genContext := generation.Context(r.FormValue("context"))
	if genContext == "" {
		http.Error(w, "Context is required", http.StatusBadRequest)
		return
	}

	m.registry.Cancel(genContext)
	w.WriteHeader(http.StatusNoContent)
}

type languageOptionsData struct {
	Selected  string
	Languages []languageOption
}

type languageOption struct {
	Code        string
	DisplayName string
	Selected    bool
}

// HandleLanguages renders the caption language picker for a video.
func (m Main) HandleLanguages(w http.ResponseWriter, r *http.Request) {
	video := r.URL.Query().Get("video")
	if video == "" {
		http.Error(w, "Video is required", http.StatusBadRequest)
		return
	}

	languages, err := m.transcripts.Languages(r.Context(), video)
	if err != nil {
		m.logger.Error("Failed to list languages",
			slog.String("video", video),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), transcriptErrorStatus(err))
		return
	}

	selected := r.URL.Query().Get("selected")
	data := languageOptionsData{Selected: selected}
	for _, lang := range languages {
		data.Languages = append(data.Languages, languageOption{
			Code:        lang.Code,
			DisplayName: lang.DisplayName,
			Selected:    lang.Code == selected,
		})
	}

	if err := m.templates.ExecuteTemplate(w, "language_options", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

type transcriptData struct {
	VideoID  string
	Language string
	Text     string
}

// HandleTranscript renders the raw transcript view for the transcript tab.
// The fetch usually hits the cache populated by a preceding summary request.
func (m Main) HandleTranscript(w http.ResponseWriter, r *http.Request) {
	video := r.URL.Query().Get("video")
	if video == "" {
		http.Error(w, "Video is required", http.StatusBadRequest)
		return
	}

	transcript, err := m.transcripts.Fetch(r.Context(), video, r.URL.Query().Get("language"))
	if err != nil {
		m.logger.Error("Failed to fetch transcript",
			slog.String("video", video),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), transcriptErrorStatus(err))
		return
	}

	data := transcriptData{
		VideoID:  transcript.VideoID,
		Language: transcript.Language,
		Text:     transcript.Text,
	}
	if err := m.templates.ExecuteTemplate(w, "transcript", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
