package handlers

import (
	"context"
	"html/template"
	"log/slog"
	"sync"
	"time"

	tubewebui "github.com/tubewise/tube-web-ui"
	"github.com/tubewise/tube-web-ui/internal/generation"
	"github.com/tubewise/tube-web-ui/internal/models"
)

const errLoggerKey = "err"

// TitleGenerator generates a short title describing a message, used to label
// new conversation sessions.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, message string) (string, error)
}

// Store defines the interface for settings, session, and message persistence.
type Store interface {
	Setting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error

	Sessions(ctx context.Context) ([]models.Session, error)
	AddSession(ctx context.Context, session models.Session) (string, error)
	UpdateSession(ctx context.Context, session models.Session) error

	Messages(ctx context.Context, sessionID string) ([]models.Message, error)
	AddMessage(ctx context.Context, sessionID string, message models.Message) (string, error)
	UpdateMessage(ctx context.Context, sessionID string, message models.Message) error
}

// TranscriptSource fetches normalized transcripts and lists the caption
// languages available for a video.
type TranscriptSource interface {
	Fetch(ctx context.Context, videoRef, language string) (models.Transcript, error)
	Languages(ctx context.Context, videoRef string) ([]models.CaptionTrack, error)
}

// KeyValidator checks a freshly saved API key against the provider. May be nil
// for providers without credentials.
type KeyValidator interface {
	ValidateKey(ctx context.Context) error
}

// Prompts carries the configured default prompts. Stored settings override the
// system prompts per request.
type Prompts struct {
	Summary     string
	SummaryUser string
	Chat        string
}

// chatTargets remembers which stored assistant message a chat generation
// streams into, so its content can be persisted on completion.
type chatTargets struct {
	mu      sync.Mutex
	targets map[generation.Context]chatTarget
}

type chatTarget struct {
	sessionID string
	messageID string
}

func (p *chatTargets) set(c generation.Context, t chatTarget) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targets[c] = t
}

func (p *chatTargets) clear(c generation.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.targets, c)
}

func (p *chatTargets) take(c generation.Context) (chatTarget, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.targets[c]
	if ok {
		delete(p.targets, c)
	}
	return t, ok
}

// Main handles the core functionality of the overlay application, tying the
// generation controller and registry to HTTP endpoints and the SSE sink.
type Main struct {
	sink      *SSESink
	templates *template.Template

	controller  *generation.Controller
	registry    *generation.Registry
	store       Store
	transcripts TranscriptSource
	titleGen    TitleGenerator
	validator   KeyValidator

	prompts Prompts
	pending *chatTargets

	logger *slog.Logger
}

// NewMain creates a new Main instance wired to the given collaborators. It
// parses the embedded HTML templates and registers the sink callback that
// persists completed chat responses.
func NewMain(
	controller *generation.Controller,
	registry *generation.Registry,
	sink *SSESink,
	store Store,
	transcripts TranscriptSource,
	titleGen TitleGenerator,
	validator KeyValidator,
	prompts Prompts,
	logger *slog.Logger,
) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		tubewebui.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	m := Main{
		sink:        sink,
		templates:   tmpl,
		controller:  controller,
		registry:    registry,
		store:       store,
		transcripts: transcripts,
		titleGen:    titleGen,
		validator:   validator,
		prompts:     prompts,
		pending:     &chatTargets{targets: make(map[generation.Context]chatTarget)},
		logger:      logger.With(slog.String("module", "handlers")),
	}
	sink.completeFn = m.persistChatResponse
	return m, nil
}

// Shutdown gracefully terminates the SSE server owned by the sink.
func (m Main) Shutdown(ctx context.Context) error {
	return m.sink.Shutdown(ctx)
}

// persistChatResponse saves the full text of a completed chat generation into
// its placeholder assistant message. Summary generations have no pending
// target and pass through untouched.
func (m Main) persistChatResponse(c generation.Context, _ generation.ID, text string) {
	target, ok := m.pending.take(c)
	if !ok {
		return
	}

	msg := models.Message{
		ID:        target.messageID,
		Role:      models.RoleAssistant,
		Content:   text,
		Timestamp: time.Now(),
	}
	if err := m.store.UpdateMessage(context.Background(), target.sessionID, msg); err != nil {
		m.logger.Error("Failed to persist chat response",
			slog.String("sessionID", target.sessionID),
			slog.String(errLoggerKey, err.Error()))
	}
}

// systemPrompt returns the stored summary system prompt, falling back to the
// configured default.
func (m Main) systemPrompt(ctx context.Context) string {
	if v, err := m.store.Setting(ctx, settingSystemPrompt); err == nil && v != "" {
		return v
	}
	return m.prompts.Summary
}

// chatSystemPrompt returns the stored chat system prompt, falling back to the
// configured default.
func (m Main) chatSystemPrompt(ctx context.Context) string {
	if v, err := m.store.Setting(ctx, settingChatSystemPrompt); err == nil && v != "" {
		return v
	}
	return m.prompts.Chat
}
