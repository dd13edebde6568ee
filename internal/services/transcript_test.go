package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tubewise/tube-web-ui/internal/models"
)

func TestExtractVideoID(t *testing.T) {
	tests := []struct {
		name    string
		ref     string
		want    string
		wantErr bool
	}{
		{
			name: "Bare ID",
			ref:  "dQw4w9WgXcQ",
			want: "dQw4w9WgXcQ",
		},
		{
			name: "Watch URL",
			ref:  "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
			want: "dQw4w9WgXcQ",
		},
		{
			name: "Watch URL with extra params",
			ref:  "https://www.youtube.com/watch?t=42&v=dQw4w9WgXcQ&list=PL1",
			want: "dQw4w9WgXcQ",
		},
		{
			name: "Short URL",
			ref:  "https://youtu.be/dQw4w9WgXcQ",
			want: "dQw4w9WgXcQ",
		},
		{
			name: "Embed URL",
			ref:  "https://www.youtube.com/embed/dQw4w9WgXcQ",
			want: "dQw4w9WgXcQ",
		},
		{
			name:    "Not a video reference",
			ref:     "https://example.com/watch?v=nope",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractVideoID(tt.ref)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ExtractVideoID() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ExtractVideoID() = %v, want %v", got, tt.want)
			}
		})
	}
}

// videoSite is a stand-in for the watch page, player api, and timedtext
// endpoints. Empty fields disable the corresponding capability.
type videoSite struct {
	watchStatus int
	watchBody   string
	tracks      []captionTrack
	timedtext   string
}

func newVideoSite(t *testing.T, site videoSite) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	var srv *httptest.Server

	mux.HandleFunc("/watch", func(w http.ResponseWriter, _ *http.Request) {
		if site.watchStatus != 0 {
			w.WriteHeader(site.watchStatus)
		}
		body := site.watchBody
		if body == "" {
			body = `"playabilityStatus":{"status":"OK"} "INNERTUBE_API_KEY":"test-key"`
		}
		fmt.Fprint(w, body)
	})
	mux.HandleFunc("/youtubei/v1/player", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "test-key" {
			http.Error(w, "bad key", http.StatusForbidden)
			return
		}
		tracks := make([]string, len(site.tracks))
		for i, tr := range site.tracks {
			tracks[i] = fmt.Sprintf(
				`{"baseUrl":%q,"languageCode":%q,"vssId":%q,"name":{"simpleText":%q}}`,
				srv.URL+"/api/timedtext?lang="+tr.LanguageCode, tr.LanguageCode, tr.VssID, tr.Name.SimpleText)
		}
		fmt.Fprintf(w, `{"captions":{"playerCaptionsTracklistRenderer":{"captionTracks":[%s]}}}`,
			joinComma(tracks))
	})
	mux.HandleFunc("/api/timedtext", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, site.timedtext)
	})

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

func newTestTranscripts(srv *httptest.Server, cache TranscriptCache) Transcripts {
	return Transcripts{
		watchBase: srv.URL,
		client:    srv.Client(),
		cache:     cache,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestTranscriptsFetch(t *testing.T) {
	srv := newVideoSite(t, videoSite{
		tracks: []captionTrack{
			{LanguageCode: "en", VssID: ".en", Name: simpleText("English")},
			{LanguageCode: "de", VssID: ".de", Name: simpleText("German")},
		},
		timedtext: `<transcript>` +
			`<text start="0.0" dur="1.2">Hello &amp;amp; welcome</text>` +
			`<text start="1.2" dur="2.0"> to the show </text>` +
			`<text start="3.2" dur="0.5"></text>` +
			`</transcript>`,
	})
	transcripts := newTestTranscripts(srv, nil)

	got, err := transcripts.Fetch(context.Background(), "dQw4w9WgXcQ", "")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if got.VideoID != "dQw4w9WgXcQ" {
		t.Errorf("Fetch() video id = %v", got.VideoID)
	}
	if got.Language != "en" {
		t.Errorf("Fetch() language = %v, want en (first track)", got.Language)
	}
	// Double-escaped entities resolve fully, empty segments are dropped.
	if got.Text != "Hello & welcome to the show" {
		t.Errorf("Fetch() text = %q", got.Text)
	}
}

func TestTranscriptsFetchLanguageSelection(t *testing.T) {
	srv := newVideoSite(t, videoSite{
		tracks: []captionTrack{
			{LanguageCode: "en", VssID: ".en", Name: simpleText("English")},
			{LanguageCode: "de", VssID: ".de", Name: simpleText("German")},
		},
		timedtext: `<transcript><text start="0" dur="1">Hallo</text></transcript>`,
	})
	transcripts := newTestTranscripts(srv, nil)

	got, err := transcripts.Fetch(context.Background(), "dQw4w9WgXcQ", "de")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if got.Language != "de" {
		t.Errorf("Fetch() language = %v, want de", got.Language)
	}

	_, err = transcripts.Fetch(context.Background(), "dQw4w9WgXcQ", "fr")
	var terr *TranscriptError
	if !errors.As(err, &terr) {
		t.Fatalf("Fetch() error = %v, want *TranscriptError", err)
	}
	if terr.Kind != TranscriptErrLanguageNotAvailable {
		t.Errorf("Fetch() error kind = %v, want %v", terr.Kind, TranscriptErrLanguageNotAvailable)
	}
	if len(terr.Available) != 2 || terr.Available[0] != "en" || terr.Available[1] != "de" {
		t.Errorf("Fetch() available languages = %v, want [en de]", terr.Available)
	}
}

func TestTranscriptsFetchErrors(t *testing.T) {
	tests := []struct {
		name     string
		site     videoSite
		wantKind TranscriptErrorKind
	}{
		{
			name:     "Too many requests status",
			site:     videoSite{watchStatus: http.StatusTooManyRequests},
			wantKind: TranscriptErrTooManyRequests,
		},
		{
			name:     "Captcha interstitial",
			site:     videoSite{watchBody: `<form class="g-recaptcha">`},
			wantKind: TranscriptErrTooManyRequests,
		},
		{
			name:     "Video unavailable",
			site:     videoSite{watchBody: `<html>nothing here</html>`},
			wantKind: TranscriptErrVideoUnavailable,
		},
		{
			name:     "Transcript disabled",
			site:     videoSite{watchBody: `"playabilityStatus":{"status":"OK"}`},
			wantKind: TranscriptErrDisabled,
		},
		{
			name:     "No caption tracks",
			site:     videoSite{},
			wantKind: TranscriptErrNotAvailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newVideoSite(t, tt.site)
			transcripts := newTestTranscripts(srv, nil)

			_, err := transcripts.Fetch(context.Background(), "dQw4w9WgXcQ", "")
			var terr *TranscriptError
			if !errors.As(err, &terr) {
				t.Fatalf("Fetch() error = %v, want *TranscriptError", err)
			}
			if terr.Kind != tt.wantKind {
				t.Errorf("Fetch() error kind = %v, want %v", terr.Kind, tt.wantKind)
			}
		})
	}
}

type mapCache struct {
	transcripts map[string]models.Transcript
	puts        int
}

func cacheKey(videoID, language string) string { return videoID + "/" + language }

func (m *mapCache) CachedTranscript(_ context.Context, videoID, language string) (models.Transcript, bool, error) {
	tr, ok := m.transcripts[cacheKey(videoID, language)]
	return tr, ok, nil
}

func (m *mapCache) PutTranscript(_ context.Context, transcript models.Transcript) error {
	m.puts++
	m.transcripts[cacheKey(transcript.VideoID, transcript.Language)] = transcript
	m.transcripts[cacheKey(transcript.VideoID, "")] = transcript
	return nil
}

func TestTranscriptsFetchUsesCache(t *testing.T) {
	srv := newVideoSite(t, videoSite{
		tracks:    []captionTrack{{LanguageCode: "en", VssID: ".en", Name: simpleText("English")}},
		timedtext: `<transcript><text start="0" dur="1">cached soon</text></transcript>`,
	})
	cache := &mapCache{transcripts: map[string]models.Transcript{}}
	transcripts := newTestTranscripts(srv, cache)

	first, err := transcripts.Fetch(context.Background(), "dQw4w9WgXcQ", "")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if cache.puts != 1 {
		t.Fatalf("cache puts = %d, want 1", cache.puts)
	}

	// A second fetch, including one naming the resolved language, must be
	// served from the cache without touching the network.
	srv.Close()

	second, err := transcripts.Fetch(context.Background(), "dQw4w9WgXcQ", "")
	if err != nil {
		t.Fatalf("Fetch() after close error = %v", err)
	}
	if second.Text != first.Text {
		t.Errorf("cached text = %q, want %q", second.Text, first.Text)
	}

	if _, err := transcripts.Fetch(context.Background(), "dQw4w9WgXcQ", "en"); err != nil {
		t.Errorf("Fetch() by language after close error = %v", err)
	}
}

func TestTranscriptsLanguages(t *testing.T) {
	srv := newVideoSite(t, videoSite{
		tracks: []captionTrack{
			{LanguageCode: "en", VssID: ".en", Name: simpleText("English")},
			{LanguageCode: "ja", VssID: ".ja"},
		},
	})
	transcripts := newTestTranscripts(srv, nil)

	got, err := transcripts.Languages(context.Background(), "https://youtu.be/dQw4w9WgXcQ")
	if err != nil {
		t.Fatalf("Languages() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Languages() returned %d tracks, want 2", len(got))
	}
	if got[0].DisplayName != "English" {
		t.Errorf("Languages()[0].DisplayName = %v, want English", got[0].DisplayName)
	}
	// A track without a display name falls back to its code.
	if got[1].DisplayName != "ja" {
		t.Errorf("Languages()[1].DisplayName = %v, want ja", got[1].DisplayName)
	}
}

func simpleText(s string) struct {
	SimpleText string `json:"simpleText"`
} {
	return struct {
		SimpleText string `json:"simpleText"`
	}{SimpleText: s}
}
