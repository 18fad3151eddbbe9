package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/figaro/pkg/conversation"
)

// MemoryStore keeps conversations and messages in process memory. It is the
// default store for tests and for ephemeral chat sessions.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[uuid.UUID]*conversation.Conversation
	messages      map[uuid.UUID]map[conversation.MessageID]*conversation.Message

	notifier *changeNotifier
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[uuid.UUID]*conversation.Conversation),
		messages:      make(map[uuid.UUID]map[conversation.MessageID]*conversation.Message),
		notifier:      newChangeNotifier(),
	}
}

func (s *MemoryStore) GetConversation(ctx context.Context, id uuid.UUID) (*conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, errors.Wrapf(ErrConversationNotFound, "%s", id)
	}
	cp := *conv
	return &cp, nil
}

func (s *MemoryStore) PutConversation(ctx context.Context, conv *conversation.Conversation) error {
	s.mu.Lock()
	cp := *conv
	s.conversations[conv.ID] = &cp
	if _, ok := s.messages[conv.ID]; !ok {
		s.messages[conv.ID] = make(map[conversation.MessageID]*conversation.Message)
	}
	s.mu.Unlock()

	s.notifier.notify(conv.ID)
	return nil
}

func (s *MemoryStore) ListConversations(ctx context.Context) ([]*conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ret := make([]*conversation.Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		cp := *conv
		ret = append(ret, &cp)
	}
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].CreatedAt.After(ret[j].CreatedAt)
	})
	return ret, nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, convID uuid.UUID) ([]*conversation.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs, ok := s.messages[convID]
	if !ok {
		return nil, errors.Wrapf(ErrConversationNotFound, "%s", convID)
	}
	ret := make([]*conversation.Message, 0, len(msgs))
	for _, msg := range msgs {
		cp := *msg
		cp.Children = append([]conversation.MessageID{}, msg.Children...)
		ret = append(ret, &cp)
	}
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].ID < ret[j].ID
	})
	return ret, nil
}

// AppendMessage registers msg as a child of afterID. The append is atomic:
// either the node and its parent link are both recorded, or nothing is.
func (s *MemoryStore) AppendMessage(ctx context.Context, msg *conversation.Message, afterID conversation.MessageID) error {
	s.mu.Lock()
	msgs, ok := s.messages[msg.ConvID]
	if !ok {
		s.mu.Unlock()
		return errors.Wrapf(ErrConversationNotFound, "%s", msg.ConvID)
	}
	if _, exists := msgs[msg.ID]; exists {
		s.mu.Unlock()
		return errors.Wrapf(ErrDuplicateMessage, "%s", msg.ID)
	}

	var parent *conversation.Message
	if afterID != conversation.NilMessageID {
		parent, ok = msgs[afterID]
		if !ok {
			s.mu.Unlock()
			return errors.Wrapf(ErrMessageNotFound, "parent %s", afterID)
		}
	}

	cp := *msg
	cp.ParentID = afterID
	cp.Children = nil
	msgs[cp.ID] = &cp
	if parent != nil {
		parent.Children = append(parent.Children, cp.ID)
	}
	s.mu.Unlock()

	s.notifier.notify(msg.ConvID)
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, handler ChangeHandler) error {
	return s.notifier.subscribe(ctx, handler)
}

func (s *MemoryStore) Close() error {
	return s.notifier.close()
}
