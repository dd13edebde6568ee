package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tmaxmax/go-sse"
	"github.com/tubewise/tube-web-ui/internal/generation"
)

// subscribe connects an SSE client to the sink for the given context topic and
// forwards every received event into a channel. It blocks until the
// subscription is live, probing with settings broadcasts.
func subscribe(t *testing.T, sink *SSESink, genContext string) chan sse.Event {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(sink.HandleSSE))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		srv.URL+"/?context="+genContext, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("failed to connect sse client: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	events := make(chan sse.Event, 16)
	go func() {
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				return
			}
			events <- ev
		}
	}()

	// The subscription registers asynchronously; probe until an event comes
	// through, then discard any extra probes.
	deadline := time.After(2 * time.Second)
	for {
		_ = sink.PublishSettingsChanged()
		select {
		case ev := <-events:
			if ev.Type != "settings" {
				t.Fatalf("unexpected probe event type %q", ev.Type)
			}
			drainProbes(events)
			return events
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("sse subscription never became live")
		}
	}
}

func drainProbes(events chan sse.Event) {
	for {
		select {
		case ev := <-events:
			if ev.Type != "settings" {
				// Should not happen during setup; push it back is impossible,
				// so fail loudly via panic in test goroutine context.
				panic("non-probe event during drain: " + ev.Type)
			}
		case <-time.After(100 * time.Millisecond):
			return
		}
	}
}

func nextEvent(t *testing.T, events chan sse.Event) sse.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sse event")
		return sse.Event{}
	}
}

func noEvent(t *testing.T, events chan sse.Event) {
	t.Helper()
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %q: %s", ev.Type, ev.Data)
	case <-time.After(150 * time.Millisecond):
	}
}

func testSinkLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSSESinkDeltaStream(t *testing.T) {
	sink := NewSSESink(testSinkLogger())
	c := generation.Context("tab-1")
	events := subscribe(t, sink, string(c))

	sink.Track(c, "id-1")

	if err := sink.OnDelta(generation.Delta{Context: c, ID: "id-1", Text: "**Hello"}); err != nil {
		t.Fatalf("OnDelta() error = %v", err)
	}
	ev := nextEvent(t, events)
	if ev.Type != "delta" {
		t.Fatalf("event type = %q, want delta", ev.Type)
	}
	var payload struct {
		ID   string `json:"id"`
		HTML string `json:"html"`
	}
	if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
		t.Fatalf("failed to unmarshal delta payload: %v", err)
	}
	if payload.ID != "id-1" {
		t.Errorf("delta id = %v, want id-1", payload.ID)
	}

	// Each delta re-renders the accumulated markdown.
	if err := sink.OnDelta(generation.Delta{Context: c, ID: "id-1", Text: " world**"}); err != nil {
		t.Fatalf("OnDelta() error = %v", err)
	}
	ev = nextEvent(t, events)
	if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(payload.HTML, "<strong>Hello world</strong>") {
		t.Errorf("delta html = %q, want rendered markdown", payload.HTML)
	}
}

func TestSSESinkDropsStaleEvents(t *testing.T) {
	sink := NewSSESink(testSinkLogger())
	c := generation.Context("tab-1")
	events := subscribe(t, sink, string(c))

	sink.Track(c, "id-1")
	// Supersede before the first generation delivered anything.
	sink.Track(c, "id-2")

	if err := sink.OnDelta(generation.Delta{Context: c, ID: "id-1", Text: "stale"}); err != nil {
		t.Fatalf("OnDelta() error = %v", err)
	}
	noEvent(t, events)

	if err := sink.OnTerminal(generation.Terminal{
		Context: c, ID: "id-1", Outcome: generation.OutcomeCompleted,
	}); err != nil {
		t.Fatalf("OnTerminal() error = %v", err)
	}
	noEvent(t, events)

	// A cancelled ack passes through even for a superseded generation, so the
	// overlay can settle its controls.
	if err := sink.OnTerminal(generation.Terminal{
		Context: c, ID: "id-1", Outcome: generation.OutcomeCancelled,
	}); err != nil {
		t.Fatalf("OnTerminal() error = %v", err)
	}
	if ev := nextEvent(t, events); ev.Type != "cancelled" {
		t.Errorf("event type = %q, want cancelled", ev.Type)
	}

	// The tracked generation still streams normally.
	if err := sink.OnDelta(generation.Delta{Context: c, ID: "id-2", Text: "fresh"}); err != nil {
		t.Fatalf("OnDelta() error = %v", err)
	}
	if ev := nextEvent(t, events); ev.Type != "delta" {
		t.Errorf("event type = %q, want delta", ev.Type)
	}
}

func TestSSESinkCompleteCallback(t *testing.T) {
	sink := NewSSESink(testSinkLogger())
	c := generation.Context("tab-1")
	events := subscribe(t, sink, string(c))

	var mu sync.Mutex
	var gotText string
	var calls int
	sink.completeFn = func(_ generation.Context, _ generation.ID, text string) {
		mu.Lock()
		defer mu.Unlock()
		gotText = text
		calls++
	}

	sink.Track(c, "id-1")
	if err := sink.OnDelta(generation.Delta{Context: c, ID: "id-1", Text: "full "}); err != nil {
		t.Fatal(err)
	}
	if err := sink.OnDelta(generation.Delta{Context: c, ID: "id-1", Text: "answer"}); err != nil {
		t.Fatal(err)
	}
	nextEvent(t, events)
	nextEvent(t, events)

	if err := sink.OnTerminal(generation.Terminal{
		Context: c, ID: "id-1", Outcome: generation.OutcomeCompleted,
	}); err != nil {
		t.Fatal(err)
	}
	if ev := nextEvent(t, events); ev.Type != "complete" {
		t.Errorf("event type = %q, want complete", ev.Type)
	}

	mu.Lock()
	if gotText != "full answer" {
		t.Errorf("completeFn text = %q, want %q", gotText, "full answer")
	}
	if calls != 1 {
		t.Errorf("completeFn called %d times, want 1", calls)
	}
	mu.Unlock()

	// A duplicate terminal finds the slot already cleared.
	if err := sink.OnTerminal(generation.Terminal{
		Context: c, ID: "id-1", Outcome: generation.OutcomeCompleted,
	}); err != nil {
		t.Fatal(err)
	}
	noEvent(t, events)

	mu.Lock()
	if calls != 1 {
		t.Errorf("completeFn called %d times after duplicate terminal, want 1", calls)
	}
	mu.Unlock()
}

func TestSSESinkErrorEvent(t *testing.T) {
	sink := NewSSESink(testSinkLogger())
	c := generation.Context("tab-1")
	events := subscribe(t, sink, string(c))

	sink.Track(c, "id-1")
	if err := sink.OnTerminal(generation.Terminal{
		Context:         c,
		ID:              "id-1",
		Outcome:         generation.OutcomeError,
		Message:         "Please add your API key in settings.",
		NeedsCredential: true,
	}); err != nil {
		t.Fatal(err)
	}

	ev := nextEvent(t, events)
	if ev.Type != "error" {
		t.Fatalf("event type = %q, want error", ev.Type)
	}
	var payload struct {
		ID       string `json:"id"`
		Message  string `json:"message"`
		NeedsKey bool   `json:"needsKey"`
	}
	if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
		t.Fatal(err)
	}
	if !payload.NeedsKey {
		t.Error("error payload should request a credential")
	}
	if payload.Message != "Please add your API key in settings." {
		t.Errorf("error message = %q", payload.Message)
	}
}
