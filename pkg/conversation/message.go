package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

// MessageID identifies a message node. IDs are snowflakes, so they are
// monotonic in creation time and sortable; the synthetic root of each
// conversation gets a fresh ID like every other node.
type MessageID snowflake.ID

// NilMessageID is the zero MessageID. It doubles as the "most recent leaf"
// sentinel in path resolution and as the parent of root nodes.
var NilMessageID = MessageID(0)

func (id MessageID) String() string {
	return snowflake.ID(id).String()
}

func (id MessageID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

func (id *MessageID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := snowflake.ParseString(s)
	if err != nil {
		return err
	}
	*id = MessageID(parsed)
	return nil
}

var (
	idNode     *snowflake.Node
	idNodeOnce sync.Once
)

// NewMessageID mints a fresh snowflake ID. Snowflakes from a single node
// never collide, but graph insertion still tolerates duplicates by retrying
// with a fresh ID.
func NewMessageID() MessageID {
	idNodeOnce.Do(func() {
		node, err := snowflake.NewNode(1)
		if err != nil {
			// NewNode only fails for out-of-range node numbers
			panic(err)
		}
		idNode = node
	})
	return MessageID(idNode.Generate())
}

type Role string

const (
	RoleRoot      Role = "root"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TimingStats captures per-generation performance numbers reported by the
// inference endpoint. A later snapshot replaces an earlier one wholesale.
type TimingStats struct {
	InputTokens     int     `json:"input_tokens"`
	OutputTokens    int     `json:"output_tokens"`
	DurationMs      int64   `json:"duration_ms"`
	TokensPerSecond float64 `json:"tokens_per_second,omitempty"`
}

// Message is a single node in a conversation's message tree.
//
// Content is nil only for the synthetic root, for an in-flight draft, or for
// an assistant turn that was abandoned before producing output (the latter is
// never persisted). Children is kept in creation order; the "active" sibling
// is resolved dynamically by the graph, never stored here.
type Message struct {
	ID       MessageID `json:"id"`
	ConvID   uuid.UUID `json:"convId"`
	ParentID MessageID `json:"parentId"`
	Role     Role      `json:"role"`

	Content     *string      `json:"content"`
	Attachments []Attachment `json:"extra,omitempty"`

	Children []MessageID `json:"-"`

	Timestamp time.Time    `json:"time"`
	ModelName string       `json:"modelName,omitempty"`
	Timing    *TimingStats `json:"timingStats,omitempty"`
}

type MessageOption func(*Message)

func WithID(id MessageID) MessageOption {
	return func(m *Message) {
		m.ID = id
	}
}

func WithTime(t time.Time) MessageOption {
	return func(m *Message) {
		m.Timestamp = t
	}
}

func WithAttachments(attachments ...Attachment) MessageOption {
	return func(m *Message) {
		m.Attachments = attachments
	}
}

func WithModelName(name string) MessageOption {
	return func(m *Message) {
		m.ModelName = name
	}
}

func WithTiming(timing *TimingStats) MessageOption {
	return func(m *Message) {
		m.Timing = timing
	}
}

// NewMessage creates a message node with a fresh snowflake ID. content may be
// nil for draft/root nodes.
func NewMessage(convID uuid.UUID, parentID MessageID, role Role, content *string, options ...MessageOption) *Message {
	ret := &Message{
		ID:        NewMessageID(),
		ConvID:    convID,
		ParentID:  parentID,
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// NewRootMessage creates the synthetic root node of a conversation.
func NewRootMessage(convID uuid.UUID) *Message {
	return NewMessage(convID, NilMessageID, RoleRoot, nil)
}

// Text returns the message content, or the empty string when content is nil.
func (m *Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// IsLeaf reports whether the node has no children.
func (m *Message) IsLeaf() bool {
	return len(m.Children) == 0
}

func (m *Message) View() string {
	return fmt.Sprintf("[%s]: %s", m.Role, strings.TrimRight(m.Text(), "\n"))
}

// ContentString is a convenience for building *string content values.
func ContentString(s string) *string {
	return &s
}

// Conversation is the descriptor record for one message tree.
// CurrentLeafID is advisory only: it remembers which branch tip the UI last
// displayed, but path resolution never trusts it (a stale pointer falls back
// to the most-recent-leaf rule).
type Conversation struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	CreatedAt     time.Time `json:"createdAt"`
	CurrentLeafID MessageID `json:"currentLeafId"`
}

func NewConversation(name string) *Conversation {
	return &Conversation{
		ID:        uuid.New(),
		Name:      name,
		CreatedAt: time.Now(),
	}
}
