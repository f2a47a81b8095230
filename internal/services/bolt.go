package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/huanz1234/felix-lml-chat/internal/models"
	bolt "go.etcd.io/bbolt"
)

const errLoggerKey = "err"

var chatsBucket = []byte("chats")

// ErrNotFound is returned when a chat or message does not exist.
var ErrNotFound = errors.New("not found")

// BoltDB implements the Store interface using a BoltDB backend for persistent storage of chats and
// messages. Chats live in one bucket; each chat has its own message bucket keyed by message ID, so
// messages iterate in creation order.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database
// with required buckets and returns an error if the database cannot be opened or initialized. The
// database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(chatsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return BoltDB{}, fmt.Errorf("failed to create chats bucket: %w", err)
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func messageBucketName(chatID string) []byte {
	return []byte(fmt.Sprintf("chat-%s", chatID))
}

// Chats retrieves all stored chat records, newest first.
func (b BoltDB) Chats(context.Context) ([]models.Chat, error) {
	var chats []models.Chat
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(chatsBucket).ForEach(func(_, v []byte) error {
			var chat models.Chat
			if err := json.Unmarshal(v, &chat); err != nil {
				return fmt.Errorf("failed to unmarshal chat: %w", err)
			}
			chats = append(chats, chat)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(chats)
	return chats, nil
}

// AddChat stores a new chat record in the database and creates an associated message bucket. It
// generates a unique ID for the chat by combining a sequence number with the chat's original ID,
// and returns the new ID or an error if the operation fails.
func (b BoltDB) AddChat(_ context.Context, chat models.Chat) (string, error) {
	var newID string
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(chatsBucket)

		idPrefix, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		// Zero padded so that keys sort in creation order.
		newID = fmt.Sprintf("%08d-%s", idPrefix, chat.ID)
		chat.ID = newID

		_, err = tx.CreateBucketIfNotExists(messageBucketName(chat.ID))
		if err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		v, err := json.Marshal(chat)
		if err != nil {
			return fmt.Errorf("failed to marshal chat: %w", err)
		}

		return bucket.Put([]byte(newID), v)
	})

	return newID, err
}

// UpdateChat modifies an existing chat record in the database. It returns ErrNotFound if the chat
// doesn't exist.
func (b BoltDB) UpdateChat(_ context.Context, chat models.Chat) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(chatsBucket)
		if bucket.Get([]byte(chat.ID)) == nil {
			return fmt.Errorf("chat %s: %w", chat.ID, ErrNotFound)
		}

		v, err := json.Marshal(chat)
		if err != nil {
			return fmt.Errorf("failed to marshal chat: %w", err)
		}

		return bucket.Put([]byte(chat.ID), v)
	})
}

// DeleteChat removes a chat together with its messages. Deleting an unknown chat is not an error.
func (b BoltDB) DeleteChat(_ context.Context, chatID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(chatsBucket).Delete([]byte(chatID)); err != nil {
			return fmt.Errorf("failed to delete chat: %w", err)
		}
		err := tx.DeleteBucket(messageBucketName(chatID))
		if err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return fmt.Errorf("failed to delete message bucket: %w", err)
		}
		return nil
	})
}

// Messages retrieves all messages associated with the specified chat ID in creation order.
func (b BoltDB) Messages(_ context.Context, chatID string) ([]models.Message, error) {
	var messages []models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(messageBucketName(chatID))
		if bucket == nil {
			return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
		}

		return bucket.ForEach(func(_, v []byte) error {
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

// AddMessage stores a new message in the specified chat's message bucket and returns its ID.
func (b BoltDB) AddMessage(_ context.Context, chatID string, message models.Message) (string, error) {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(messageBucketName(chatID))
		if bucket == nil {
			return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
		}
		return putMessage(bucket, message)
	})
	if err != nil {
		return "", err
	}
	return message.ID, nil
}

// UpdateMessage replaces an existing message in the specified chat's message bucket.
func (b BoltDB) UpdateMessage(_ context.Context, chatID string, message models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(messageBucketName(chatID))
		if bucket == nil {
			return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
		}
		if bucket.Get([]byte(message.ID)) == nil {
			return fmt.Errorf("message %s: %w", message.ID, ErrNotFound)
		}
		return putMessage(bucket, message)
	})
}

// UpdateLastMessage rewrites the streamed fields of the newest message of a chat and returns the
// updated message.
func (b BoltDB) UpdateLastMessage(
	_ context.Context,
	chatID string,
	content, reasoning string,
	tokens int,
	speed string,
) (models.Message, error) {
	var message models.Message
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(messageBucketName(chatID))
		if bucket == nil {
			return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
		}

		_, v := bucket.Cursor().Last()
		if v == nil {
			return fmt.Errorf("last message of chat %s: %w", chatID, ErrNotFound)
		}
		if err := json.Unmarshal(v, &message); err != nil {
			return fmt.Errorf("failed to unmarshal message: %w", err)
		}

		message.Content = content
		message.ReasoningContent = reasoning
		message.CompletionTokens = tokens
		message.Speed = speed

		return putMessage(bucket, message)
	})
	if err != nil {
		return models.Message{}, err
	}
	return message, nil
}

func putMessage(bucket *bolt.Bucket, message models.Message) error {
	v, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return bucket.Put([]byte(message.ID), v)
}
