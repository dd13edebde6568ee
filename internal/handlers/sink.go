package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"
	"github.com/tubewise/tube-web-ui/internal/generation"
	"github.com/tubewise/tube-web-ui/internal/models"
)

// SSE event types for real-time updates.
var (
	deltaSSEType     = sse.Type("delta")
	completeSSEType  = sse.Type("complete")
	cancelledSSEType = sse.Type("cancelled")
	errorSSEType     = sse.Type("error")
	sessionsSSEType  = sse.Type("sessions")
	settingsSSEType  = sse.Type("settings")
)

const sessionsSSETopic = "sessions"

func contextTopic(c generation.Context) string {
	return fmt.Sprintf("gen-%s", c)
}

type streamState struct {
	id   generation.ID
	text strings.Builder
}

type deltaEvent struct {
	ID   string `json:"id"`
	HTML string `json:"html"`
}

type terminalEvent struct {
	ID       string `json:"id"`
	Message  string `json:"message,omitempty"`
	NeedsKey bool   `json:"needsKey,omitempty"`
}

// SSESink delivers generation events to the overlay over server-sent events.
// It implements generation.Sink, tracks the current generation per context as
// a second line of defense against stale events, accumulates the streamed
// text, and publishes the rendered markdown on each delta.
type SSESink struct {
	srv *sse.Server

	mu      sync.Mutex
	streams map[generation.Context]*streamState

	// completeFn, when set, receives the full accumulated text of every
	// generation that completes normally.
	completeFn func(c generation.Context, id generation.ID, text string)

	logger *slog.Logger
}

// NewSSESink creates an SSESink with its SSE server configured to subscribe
// every client to the session-list topic, plus the generation topic for the
// context the client names in its query string.
func NewSSESink(logger *slog.Logger) *SSESink {
	s := &SSESink{
		streams: make(map[generation.Context]*streamState),
		logger:  logger.With(slog.String("module", "sse")),
	}
	s.srv = &sse.Server{
		OnSession: func(sess *sse.Session) (sse.Subscription, bool) {
			topics := []string{sse.DefaultTopic, sessionsSSETopic}

			if c := sess.Req.URL.Query().Get("context"); c != "" {
				topics = append(topics, contextTopic(generation.Context(c)))
			}

			return sse.Subscription{
				Client:      sess,
				LastEventID: sess.LastEventID,
				Topics:      topics,
			}, true
		},
	}
	return s
}

// Track marks id as the generation currently displayed for c. The controller
// calls it synchronously from Start, before any event for the new generation
// can arrive. Events tagged with any other id are dropped until the next Track
// call, except a cancelled acknowledgement, which is forwarded so the overlay
// can settle.
func (s *SSESink) Track(c generation.Context, id generation.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[c] = &streamState{id: id}
}

// OnDelta appends the fragment to the tracked stream and publishes the full
// rendered markdown so far. Fragments tagged with a superseded id are dropped.
func (s *SSESink) OnDelta(d generation.Delta) error {
	s.mu.Lock()
	st, ok := s.streams[d.Context]
	if !ok || st.id != d.ID {
		s.mu.Unlock()
		return nil
	}
	st.text.WriteString(d.Text)
	full := st.text.String()
	s.mu.Unlock()

	rendered, err := models.RenderMarkdown(full)
	if err != nil {
		return fmt.Errorf("failed to render contents: %w", err)
	}

	return s.publish(deltaSSEType, d.Context, deltaEvent{ID: string(d.ID), HTML: rendered})
}

// OnTerminal publishes the terminal event for a tracked generation and clears
// its slot. Terminal events for superseded generations are dropped, except
// cancellation acknowledgements; duplicate terminals are harmless because the
// slot is already gone.
func (s *SSESink) OnTerminal(t generation.Terminal) error {
	s.mu.Lock()
	st, ok := s.streams[t.Context]
	current := ok && st.id == t.ID
	var full string
	if current {
		full = st.text.String()
		delete(s.streams, t.Context)
	}
	s.mu.Unlock()

	switch t.Outcome {
	case generation.OutcomeCancelled:
		return s.publish(cancelledSSEType, t.Context, terminalEvent{ID: string(t.ID)})
	case generation.OutcomeCompleted:
		if !current {
			return nil
		}
		if s.completeFn != nil {
			s.completeFn(t.Context, t.ID, full)
		}
		return s.publish(completeSSEType, t.Context, terminalEvent{ID: string(t.ID)})
	case generation.OutcomeError:
		if !current {
			return nil
		}
		return s.publish(errorSSEType, t.Context, terminalEvent{
			ID:       string(t.ID),
			Message:  t.Message,
			NeedsKey: t.NeedsCredential,
		})
	}
	return nil
}

func (s *SSESink) publish(eventType sse.EventType, c generation.Context, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := sse.Message{Type: eventType}
	msg.AppendData(string(data))
	return s.srv.Publish(&msg, contextTopic(c))
}

// PublishSessions broadcasts the rendered session list to every client.
func (s *SSESink) PublishSessions(divs string) error {
	msg := sse.Message{Type: sessionsSSEType}
	msg.AppendData(divs)
	return s.srv.Publish(&msg, sessionsSSETopic)
}

// PublishSettingsChanged tells connected overlays that settings were updated,
// so one waiting on a credential can re-submit its original request.
func (s *SSESink) PublishSettingsChanged() error {
	msg := sse.Message{Type: settingsSSEType}
	msg.AppendData("updated")
	return s.srv.Publish(&msg)
}

// HandleSSE serves the event stream endpoint.
func (s *SSESink) HandleSSE(w http.ResponseWriter, r *http.Request) {
	s.srv.ServeHTTP(w, r)
}

// Shutdown gracefully terminates the SSE server. It broadcasts a close message
// to all connected clients and waits up to 5 seconds for connections to
// terminate.
func (s *SSESink) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("close")}
	// We create a close event that complies with SSE spec requiring data
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = s.srv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return s.srv.Shutdown(ctx)
}
