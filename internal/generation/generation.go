package generation

import (
	"context"
	"crypto/rand"
	"errors"
	"iter"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/tubewise/tube-web-ui/internal/models"
)

// Context identifies where the output of a generation is routed, typically one
// watch-page session of the overlay. At most one generation is active per
// Context at a time; starting a new one supersedes the old.
type Context string

// ID is the identity of a single generation. IDs are ULIDs, so they are unique
// and time-ordered. Every delta and terminal event carries the ID it was
// produced under, which is what lets consumers drop events from a superseded
// generation. The zero value means "no generation".
type ID string

// Outcome is the terminal state of a generation.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeError     Outcome = "error"
)

// Delta is one incremental fragment of generated text, tagged with the
// generation it belongs to.
type Delta struct {
	Context Context
	ID      ID
	Text    string
}

// Terminal is the single terminal event of a generation. Message and
// NeedsCredential are only meaningful when Outcome is OutcomeError.
type Terminal struct {
	Context Context
	ID      ID
	Outcome Outcome

	Message         string
	NeedsCredential bool
}

// Errors a Streamer or Credentials implementation reports by wrapping, so the
// controller can classify failures without knowing the provider.
var (
	// ErrMissingCredential indicates no API key is configured at all.
	ErrMissingCredential = errors.New("no api key found")
	// ErrInvalidCredential indicates the provider rejected the configured key.
	ErrInvalidCredential = errors.New("invalid api key")
	// ErrModelUnavailable indicates the configured model was rejected by the provider.
	ErrModelUnavailable = errors.New("model unavailable")
)

// Streamer starts one streaming completion request. The iterator yields text
// deltas in arrival order and terminates on stream exhaustion or with a single
// error. Cancelling ctx aborts the underlying request; implementations return
// silently when that happens instead of yielding context.Canceled.
type Streamer interface {
	Stream(ctx context.Context, messages []models.Message) iter.Seq2[string, error]
}

// Credentials resolves and invalidates the stored API credential. Resolve
// returns nil when a usable credential exists, ErrMissingCredential (possibly
// wrapped) when there is none. Invalidate clears a stored credential that a
// provider has rejected, so the next attempt re-prompts instead of repeating
// the same failure.
type Credentials interface {
	Resolve(ctx context.Context) error
	Invalidate(ctx context.Context) error
}

// Sink consumes tagged generation events. Delivery is best-effort: errors are
// logged and swallowed by the controller, and never stop a running stream.
// Implementations must tolerate duplicate terminal calls and should filter by
// ID themselves when they track the current generation locally.
type Sink interface {
	OnDelta(d Delta) error
	OnTerminal(t Terminal) error
}

// Tracker is implemented by sinks that keep per-context state keyed by the
// current generation ID. The controller notifies it synchronously from Start,
// before any event for the new ID can be delivered, so even a generation that
// finishes instantly is never mistaken for a stale one.
type Tracker interface {
	Track(c Context, id ID)
}

// Input is the payload for one generation. Transcript is truncated to the
// controller's limit before being placed into the prompt. When Prompt is set
// the transcript is appended to it as a single user message (the summary
// shape); otherwise the transcript is folded into the system prompt and
// Messages carries the conversation history (the chat shape).
type Input struct {
	SystemPrompt string
	Transcript   string
	Prompt       string
	Messages     []models.Message
}

// truncationMarker is appended whenever a transcript is cut at the limit, so
// the model knows the source material continues.
const truncationMarker = "..."

func truncate(text string, maxChars int) string {
	if maxChars <= 0 || len(text) <= maxChars {
		return text
	}
	return text[:maxChars] + truncationMarker
}

func (in Input) build(maxTranscriptChars int) []models.Message {
	transcript := truncate(in.Transcript, maxTranscriptChars)

	system := in.SystemPrompt
	if in.Prompt == "" && transcript != "" {
		system += "\n\nContext (video transcript): " + transcript
	}

	msgs := make([]models.Message, 0, len(in.Messages)+2)
	if system != "" {
		msgs = append(msgs, models.Message{Role: models.RoleSystem, Content: system})
	}
	if in.Prompt != "" {
		content := in.Prompt
		if transcript != "" {
			content += "\n\n" + transcript
		}
		msgs = append(msgs, models.Message{Role: models.RoleUser, Content: content})
	}
	for _, msg := range in.Messages {
		if msg.Content == "" {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

// minter produces unique, monotonically ordered IDs. ULIDs from the same
// millisecond stay ordered through the monotonic entropy source.
type minter struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func newMinter() *minter {
	return &minter{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (m *minter) next() ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ID(ulid.MustNew(ulid.Timestamp(time.Now()), m.entropy).String())
}
