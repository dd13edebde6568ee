package models

// Transcript holds the normalized caption text for one video in one language.
// Text is the joined caption segments with XML entities resolved.
type Transcript struct {
	VideoID  string
	Language string
	TrackID  string
	Text     string
}

// CaptionTrack describes one available caption language for a video.
type CaptionTrack struct {
	Code        string
	DisplayName string
}
