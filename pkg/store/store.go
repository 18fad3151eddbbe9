package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/figaro/pkg/conversation"
)

var (
	// ErrConversationNotFound is returned when a conversation ID is unknown.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrMessageNotFound is returned when a message ID is unknown.
	ErrMessageNotFound = errors.New("message not found")
	// ErrDuplicateMessage is returned when appending a message whose ID is
	// already registered. History is append-only; existing nodes are never
	// overwritten.
	ErrDuplicateMessage = errors.New("message already exists")
)

// ChangeHandler is invoked with the ID of a conversation whose record or
// message set changed.
type ChangeHandler func(convID uuid.UUID)

// Store is the durable keyed storage contract the chat core depends on.
//
// Implementations must provide read-after-write consistency for the calling
// session: a message appended through AppendMessage is visible to an
// immediately following ListMessages. Each append is atomic on its own; the
// store offers no transaction spanning multiple appends.
type Store interface {
	// GetConversation returns the conversation descriptor.
	GetConversation(ctx context.Context, id uuid.UUID) (*conversation.Conversation, error)
	// PutConversation inserts or updates a conversation descriptor.
	PutConversation(ctx context.Context, conv *conversation.Conversation) error
	// ListConversations returns all conversation descriptors, newest first.
	ListConversations(ctx context.Context) ([]*conversation.Conversation, error)
	// ListMessages returns a conversation's full message set, in creation
	// order.
	ListMessages(ctx context.Context, convID uuid.UUID) ([]*conversation.Message, error)
	// AppendMessage registers msg as a child of afterID. afterID must be
	// NilMessageID exactly when msg is a conversation root.
	AppendMessage(ctx context.Context, msg *conversation.Message, afterID conversation.MessageID) error
	// Subscribe invokes handler for every conversation change until ctx is
	// cancelled.
	Subscribe(ctx context.Context, handler ChangeHandler) error
}
