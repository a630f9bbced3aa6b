package services

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/MegaGrindStone/chat-stream/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB persists conversations and their message logs in a BoltDB file. Each conversation record lives
// in the conversations bucket, and its messages live in a bucket of their own keyed by a big-endian
// sequence number, so iteration order is insertion order.
type BoltDB struct {
	db *bolt.DB
}

// ErrConversationNotFound is returned when a conversation doesn't exist.
var ErrConversationNotFound = errors.New("conversation not found")

var conversationsBucket = []byte("conversations")

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database
// with required buckets and returns an error if the database cannot be opened or initialized. The
// database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(conversationsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return BoltDB{}, fmt.Errorf("failed to create buckets: %w", err)
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func messageBucketName(conversationID string) []byte {
	return []byte(fmt.Sprintf("conversation-%s", conversationID))
}

func sequenceKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// Conversations retrieves all stored conversations, most recently updated first.
func (b BoltDB) Conversations(context.Context) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).ForEach(func(_, v []byte) error {
			var conv models.Conversation
			if err := json.Unmarshal(v, &conv); err != nil {
				return fmt.Errorf("failed to unmarshal conversation: %w", err)
			}
			convs = append(convs, conv)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(convs, func(a, b models.Conversation) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return convs, nil
}

// Conversation retrieves one conversation record. It returns ErrConversationNotFound if there is none
// with the given id.
func (b BoltDB) Conversation(_ context.Context, id string) (models.Conversation, error) {
	var conv models.Conversation
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(conversationsBucket).Get([]byte(id))
		if v == nil {
			return ErrConversationNotFound
		}
		if err := json.Unmarshal(v, &conv); err != nil {
			return fmt.Errorf("failed to unmarshal conversation: %w", err)
		}
		return nil
	})
	return conv, err
}

// SaveConversation creates or replaces a conversation record and makes sure its message bucket exists.
func (b BoltDB) SaveConversation(_ context.Context, conv models.Conversation) error {
	if conv.ID == "" {
		return errors.New("conversation id is required")
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(messageBucketName(conv.ID)); err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		v, err := json.Marshal(conv)
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}
		return tx.Bucket(conversationsBucket).Put([]byte(conv.ID), v)
	})
}

// DeleteConversation removes a conversation record and its messages.
func (b BoltDB) DeleteConversation(_ context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(messageBucketName(id)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return fmt.Errorf("failed to delete message bucket: %w", err)
		}
		return tx.Bucket(conversationsBucket).Delete([]byte(id))
	})
}

// Messages retrieves all messages of the conversation in their stored order.
func (b BoltDB) Messages(_ context.Context, conversationID string) ([]models.Message, error) {
	var messages []models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(messageBucketName(conversationID))
		if b == nil {
			return nil
		}

		return b.ForEach(func(_, v []byte) error {
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

// AppendMessages adds messages to the end of the conversation's log. The conversation must have been
// saved before.
func (b BoltDB) AppendMessages(_ context.Context, conversationID string, messages ...models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(messageBucketName(conversationID))
		if b == nil {
			return ErrConversationNotFound
		}
		return putMessages(b, messages)
	})
}

// ReplaceMessages replaces the whole log of the conversation with messages, in one transaction.
func (b BoltDB) ReplaceMessages(_ context.Context, conversationID string, messages []models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		name := messageBucketName(conversationID)
		if tx.Bucket(name) == nil {
			return ErrConversationNotFound
		}
		if err := tx.DeleteBucket(name); err != nil {
			return fmt.Errorf("failed to clear message bucket: %w", err)
		}
		b, err := tx.CreateBucket(name)
		if err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}
		return putMessages(b, messages)
	})
}

func putMessages(b *bolt.Bucket, messages []models.Message) error {
	for _, message := range messages {
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		if err := b.Put(sequenceKey(seq), v); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}
	}
	return nil
}
