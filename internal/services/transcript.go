package services

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/tubewise/tube-web-ui/internal/models"
)

const errLoggerKey = "err"

// TranscriptErrorKind classifies transcript fetch failures so the overlay can
// show an actionable message for each.
type TranscriptErrorKind string

const (
	TranscriptErrVideoUnavailable     TranscriptErrorKind = "video_unavailable"
	TranscriptErrDisabled             TranscriptErrorKind = "transcript_disabled"
	TranscriptErrNotAvailable         TranscriptErrorKind = "no_transcript"
	TranscriptErrLanguageNotAvailable TranscriptErrorKind = "language_not_available"
	TranscriptErrTooManyRequests      TranscriptErrorKind = "too_many_requests"
)

// TranscriptError is a typed transcript fetch failure.
type TranscriptError struct {
	Kind     TranscriptErrorKind
	VideoID  string
	Language string
	// Available lists the caption language codes that do exist, filled for
	// TranscriptErrLanguageNotAvailable.
	Available []string
}

func (e *TranscriptError) Error() string {
	switch e.Kind {
	case TranscriptErrVideoUnavailable:
		return fmt.Sprintf("the video is no longer available (%s)", e.VideoID)
	case TranscriptErrDisabled:
		return fmt.Sprintf("transcript is disabled on this video (%s)", e.VideoID)
	case TranscriptErrNotAvailable:
		return fmt.Sprintf("no transcripts are available for this video (%s)", e.VideoID)
	case TranscriptErrLanguageNotAvailable:
		return fmt.Sprintf("no transcript is available in %s for this video (%s), available languages: %s",
			e.Language, e.VideoID, strings.Join(e.Available, ", "))
	case TranscriptErrTooManyRequests:
		return "the video site is receiving too many requests from this IP and now requires solving a captcha"
	}
	return fmt.Sprintf("failed to fetch transcript for video %s", e.VideoID)
}

var (
	videoIDPattern = regexp.MustCompile(
		`(?:youtube\.com/(?:[^/]+/.+/|(?:v|e(?:mbed)?)/|.*[?&]v=)|youtu\.be/)([^"&?/\s]{11})`)
	innertubeKeyPattern = regexp.MustCompile(`"INNERTUBE_API_KEY":"([^"]+)"`)
)

// ExtractVideoID resolves a watch-page URL or a bare identifier to the
// 11-character video ID.
func ExtractVideoID(ref string) (string, error) {
	if len(ref) == 11 {
		return ref, nil
	}
	match := videoIDPattern.FindStringSubmatch(ref)
	if match == nil {
		return "", fmt.Errorf("impossible to retrieve video ID from %q", ref)
	}
	return match[1], nil
}

// TranscriptCache stores fetched transcripts so regenerate and language
// switches don't refetch the same captions. BoltDB implements it.
type TranscriptCache interface {
	CachedTranscript(ctx context.Context, videoID, language string) (models.Transcript, bool, error)
	PutTranscript(ctx context.Context, transcript models.Transcript) error
}

// Transcripts fetches and normalizes video caption tracks through the
// Innertube player API and the timedtext endpoint the watch page itself uses.
type Transcripts struct {
	watchBase string

	client *http.Client
	cache  TranscriptCache

	logger *slog.Logger
}

const defaultWatchBase = "https://www.youtube.com"

// NewTranscripts creates a Transcripts source backed by cache. A nil cache
// disables caching.
func NewTranscripts(cache TranscriptCache, logger *slog.Logger) Transcripts {
	return Transcripts{
		watchBase: defaultWatchBase,
		client:    &http.Client{},
		cache:     cache,
		logger:    logger.With(slog.String("module", "transcripts")),
	}
}

type playerRequest struct {
	Context struct {
		Client struct {
			ClientName    string `json:"clientName"`
			ClientVersion string `json:"clientVersion"`
		} `json:"client"`
	} `json:"context"`
	VideoID string `json:"videoId"`
}

type captionTrack struct {
	BaseURL      string `json:"baseUrl"`
	LanguageCode string `json:"languageCode"`
	VssID        string `json:"vssId"`
	Name         struct {
		SimpleText string `json:"simpleText"`
	} `json:"name"`
}

type playerResponse struct {
	Captions struct {
		PlayerCaptionsTracklistRenderer struct {
			CaptionTracks []captionTrack `json:"captionTracks"`
		} `json:"playerCaptionsTracklistRenderer"`
	} `json:"captions"`
}

type timedtext struct {
	XMLName xml.Name `xml:"transcript"`
	Texts   []struct {
		Start string `xml:"start,attr"`
		Dur   string `xml:"dur,attr"`
		Value string `xml:",chardata"`
	} `xml:"text"`
}

// Fetch retrieves the transcript for a video, preferring the hinted language
// when one is given and falling back to the first available track otherwise.
func (t Transcripts) Fetch(ctx context.Context, videoRef, language string) (models.Transcript, error) {
	videoID, err := ExtractVideoID(videoRef)
	if err != nil {
		return models.Transcript{}, err
	}

	if t.cache != nil {
		cached, found, err := t.cache.CachedTranscript(ctx, videoID, language)
		if err != nil {
			t.logger.Warn("Transcript cache read failed", slog.String(errLoggerKey, err.Error()))
		} else if found {
			return cached, nil
		}
	}

	tracks, err := t.captionTracks(ctx, videoID)
	if err != nil {
		return models.Transcript{}, err
	}

	track := tracks[0]
	if language != "" {
		found := false
		for _, tr := range tracks {
			if tr.LanguageCode == language {
				track = tr
				found = true
				break
			}
		}
		if !found {
			available := make([]string, len(tracks))
			for i, tr := range tracks {
				available[i] = tr.LanguageCode
			}
			return models.Transcript{}, &TranscriptError{
				Kind:      TranscriptErrLanguageNotAvailable,
				VideoID:   videoID,
				Language:  language,
				Available: available,
			}
		}
	}

	text, err := t.fetchTimedtext(ctx, videoID, track.BaseURL)
	if err != nil {
		return models.Transcript{}, err
	}

	transcript := models.Transcript{
		VideoID:  videoID,
		Language: track.LanguageCode,
		TrackID:  track.VssID,
		Text:     text,
	}

	if t.cache != nil {
		if err := t.cache.PutTranscript(ctx, transcript); err != nil {
			t.logger.Warn("Transcript cache write failed", slog.String(errLoggerKey, err.Error()))
		}
	}

	return transcript, nil
}

// Languages lists the caption tracks available for a video.
func (t Transcripts) Languages(ctx context.Context, videoRef string) ([]models.CaptionTrack, error) {
	videoID, err := ExtractVideoID(videoRef)
	if err != nil {
		return nil, err
	}

	tracks, err := t.captionTracks(ctx, videoID)
	if err != nil {
		return nil, err
	}

	languages := make([]models.CaptionTrack, len(tracks))
	for i, tr := range tracks {
		name := tr.Name.SimpleText
		if name == "" {
			name = tr.LanguageCode
		}
		languages[i] = models.CaptionTrack{
			Code:        tr.LanguageCode,
			DisplayName: name,
		}
	}
	return languages, nil
}

// fetchAPIKey scrapes the Innertube API key from the watch page, the same way
// the page's own player bootstraps itself.
func (t Transcripts) fetchAPIKey(ctx context.Context, videoID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		t.watchBase+"/watch?v="+videoID, nil)
	if err != nil {
		return "", fmt.Errorf("error creating request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("error fetching watch page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", &TranscriptError{Kind: TranscriptErrTooManyRequests, VideoID: videoID}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("error reading watch page: %w", err)
	}

	if bytes.Contains(body, []byte(`class="g-recaptcha"`)) {
		return "", &TranscriptError{Kind: TranscriptErrTooManyRequests, VideoID: videoID}
	}
	if !bytes.Contains(body, []byte(`"playabilityStatus":`)) {
		return "", &TranscriptError{Kind: TranscriptErrVideoUnavailable, VideoID: videoID}
	}

	match := innertubeKeyPattern.FindSubmatch(body)
	if match == nil {
		return "", &TranscriptError{Kind: TranscriptErrDisabled, VideoID: videoID}
	}

	return string(match[1]), nil
}

func (t Transcripts) captionTracks(ctx context.Context, videoID string) ([]captionTrack, error) {
	apiKey, err := t.fetchAPIKey(ctx, videoID)
	if err != nil {
		return nil, err
	}

	var reqBody playerRequest
	reqBody.Context.Client.ClientName = "ANDROID"
	reqBody.Context.Client.ClientVersion = "20.10.38"
	reqBody.VideoID = videoID

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.watchBase+"/youtubei/v1/player?key="+apiKey, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error calling player api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("player api failed with status %d", resp.StatusCode)
	}

	var player playerResponse
	if err := json.NewDecoder(resp.Body).Decode(&player); err != nil {
		return nil, fmt.Errorf("error decoding player response: %w", err)
	}

	tracks := player.Captions.PlayerCaptionsTracklistRenderer.CaptionTracks
	if len(tracks) == 0 {
		return nil, &TranscriptError{Kind: TranscriptErrNotAvailable, VideoID: videoID}
	}

	return tracks, nil
}

func (t Transcripts) fetchTimedtext(ctx context.Context, videoID, trackURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, trackURL, nil)
	if err != nil {
		return "", fmt.Errorf("error creating request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("error fetching transcript: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &TranscriptError{Kind: TranscriptErrNotAvailable, VideoID: videoID}
	}

	var doc timedtext
	if err := xml.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("error parsing transcript xml: %w", err)
	}

	parts := make([]string, 0, len(doc.Texts))
	for _, segment := range doc.Texts {
		// The timedtext payload is double-escaped; the xml decoder resolves
		// the first layer, UnescapeString the second.
		text := strings.TrimSpace(html.UnescapeString(segment.Value))
		if text != "" {
			parts = append(parts, text)
		}
	}

	return strings.Join(parts, " "), nil
}
