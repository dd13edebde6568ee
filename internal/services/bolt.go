package services

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/tubewise/tube-web-ui/internal/models"
	bolt "go.etcd.io/bbolt"
)

// Setting keys used by the overlay and the credential helpers.
const (
	SettingAPIKey           = "apiKey"
	SettingModel            = "model"
	SettingSystemPrompt     = "systemPrompt"
	SettingChatSystemPrompt = "chatSystemPrompt"
)

// BoltDB provides persistent storage for user settings, chat sessions with
// their messages, and fetched transcripts, using a BoltDB backend with a
// key-value storage model.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB creates a new BoltDB instance with the specified file path. It
// initializes the database with required buckets and returns an error if the
// database cannot be opened or initialized. The database file is created with
// 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{"settings", "sessions", "transcripts"} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})

	return BoltDB{db: db}, err
}

func messageBucketName(sessionID string) []byte {
	return []byte(fmt.Sprintf("session-%s", sessionID))
}

func transcriptKey(videoID, language string) []byte {
	return []byte(fmt.Sprintf("%s/%s", videoID, language))
}

// Setting returns the stored value for key, or an empty string when unset.
func (b BoltDB) Setting(_ context.Context, key string) (string, error) {
	var value string
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte("settings"))
		if bk == nil {
			return nil
		}
		value = string(bk.Get([]byte(key)))
		return nil
	})
	return value, err
}

// SetSetting stores value under key.
func (b BoltDB) SetSetting(_ context.Context, key, value string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte("settings"))
		if bk == nil {
			return nil
		}
		return bk.Put([]byte(key), []byte(value))
	})
}

// DeleteSetting removes key from the settings bucket. Deleting an absent key
// is a no-op.
func (b BoltDB) DeleteSetting(_ context.Context, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte("settings"))
		if bk == nil {
			return nil
		}
		return bk.Delete([]byte(key))
	})
}

// Sessions retrieves all stored chat sessions in reverse chronological order.
func (b BoltDB) Sessions(context.Context) ([]models.Session, error) {
	var sessions []models.Session
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte("sessions"))
		if bk == nil {
			return nil
		}

		return bk.ForEach(func(_, v []byte) error {
			var session models.Session
			if err := json.Unmarshal(v, &session); err != nil {
				return fmt.Errorf("failed to unmarshal session: %w", err)
			}
			sessions = append(sessions, session)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(sessions)
	return sessions, nil
}

// AddSession stores a new session record and creates an associated message
// bucket. It generates a unique ID for the session by combining a sequence
// number with the session's original ID, and returns the new ID.
func (b BoltDB) AddSession(_ context.Context, session models.Session) (string, error) {
	var newID string
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte("sessions"))
		if bk == nil {
			return nil
		}

		idPrefix, err := bk.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		newID = fmt.Sprintf("%d-%s", idPrefix, session.ID)
		session.ID = newID

		_, err = tx.CreateBucketIfNotExists(messageBucketName(session.ID))
		if err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		v, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}

		return bk.Put([]byte(newID), v)
	})

	return newID, err
}

// UpdateSession modifies an existing session record. If the session doesn't
// exist, the operation is silently ignored.
func (b BoltDB) UpdateSession(_ context.Context, session models.Session) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte("sessions"))
		if bk == nil {
			return nil
		}

		v := bk.Get([]byte(session.ID))
		if v == nil {
			return nil
		}

		v, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}

		return bk.Put([]byte(session.ID), v)
	})
}

// Messages retrieves all messages associated with the specified session ID in
// their stored order.
func (b BoltDB) Messages(_ context.Context, sessionID string) ([]models.Message, error) {
	var messages []models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(messageBucketName(sessionID))
		if bk == nil {
			return nil
		}

		return bk.ForEach(func(_, v []byte) error {
			var message models.Message
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, message)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// AddMessage stores a new message in the specified session's message bucket.
// It generates a unique ID for the message by combining a sequence number with
// the message's original ID, and returns the new ID.
func (b BoltDB) AddMessage(_ context.Context, sessionID string, message models.Message) (string, error) {
	var newID string
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(messageBucketName(sessionID))
		if bk == nil {
			return nil
		}

		idPrefix, err := bk.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		newID = fmt.Sprintf("%d-%s", idPrefix, message.ID)
		message.ID = newID

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		return bk.Put([]byte(newID), v)
	})

	return newID, err
}

// UpdateMessage modifies an existing message in the specified session's
// message bucket. If the message doesn't exist, the operation is silently
// ignored.
func (b BoltDB) UpdateMessage(_ context.Context, sessionID string, message models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(messageBucketName(sessionID))
		if bk == nil {
			return nil
		}

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		return bk.Put([]byte(message.ID), v)
	})
}

// CachedTranscript returns the stored transcript for a video in the given
// language, with false when no cache entry exists.
func (b BoltDB) CachedTranscript(_ context.Context, videoID, language string) (models.Transcript, bool, error) {
	var (
		transcript models.Transcript
		found      bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte("transcripts"))
		if bk == nil {
			return nil
		}

		v := bk.Get(transcriptKey(videoID, language))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &transcript); err != nil {
			return fmt.Errorf("failed to unmarshal transcript: %w", err)
		}
		found = true
		return nil
	})
	return transcript, found, err
}

// PutTranscript stores a fetched transcript, keyed by video ID and language.
// The entry is stored twice when the transcript was resolved from an empty
// language hint, so both the hinted and resolved lookups hit.
func (b BoltDB) PutTranscript(_ context.Context, transcript models.Transcript) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte("transcripts"))
		if bk == nil {
			return nil
		}

		v, err := json.Marshal(transcript)
		if err != nil {
			return fmt.Errorf("failed to marshal transcript: %w", err)
		}

		if err := bk.Put(transcriptKey(transcript.VideoID, transcript.Language), v); err != nil {
			return err
		}
		return bk.Put(transcriptKey(transcript.VideoID, ""), v)
	})
}
