package conversation

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a referenced conversation or message does not
// exist.
var ErrNotFound = errors.New("not found")

// Graph holds one conversation's full message tree.
//
// The tree is append-only: node content, role and parentage never change
// after insertion. Edits and regenerations add sibling nodes; the displayed
// thread is recomputed from the node set every time, so the graph carries no
// cursor state of its own.
type Graph struct {
	ConvID uuid.UUID
	Nodes  map[MessageID]*Message
	RootID MessageID
}

// NewGraph builds a graph from a conversation's full (unordered) message set.
// Children links are rebuilt from parent pointers; snowflake IDs are
// monotonic in creation time, so sorting child IDs restores creation order.
func NewGraph(convID uuid.UUID, msgs []*Message) *Graph {
	g := &Graph{
		ConvID: convID,
		Nodes:  make(map[MessageID]*Message, len(msgs)),
	}
	for _, msg := range msgs {
		m := *msg
		m.Children = nil
		g.Nodes[m.ID] = &m
		if m.Role == RoleRoot {
			g.RootID = m.ID
		}
	}
	for _, m := range g.Nodes {
		if m.ID == g.RootID {
			continue
		}
		parent, ok := g.Nodes[m.ParentID]
		if !ok {
			panic(fmt.Sprintf("conversation: message %s has dangling parent %s", m.ID, m.ParentID))
		}
		parent.Children = append(parent.Children, m.ID)
	}
	for _, m := range g.Nodes {
		sort.Slice(m.Children, func(i, j int) bool {
			return m.Children[i] < m.Children[j]
		})
	}
	return g
}

// NewEmptyGraph creates a graph containing only a fresh synthetic root.
func NewEmptyGraph(convID uuid.UUID) *Graph {
	root := NewRootMessage(convID)
	return &Graph{
		ConvID: convID,
		Nodes:  map[MessageID]*Message{root.ID: root},
		RootID: root.ID,
	}
}

// Root returns the synthetic root node.
func (g *Graph) Root() *Message {
	return g.Nodes[g.RootID]
}

// Get returns the node for an ID, if present.
func (g *Graph) Get(id MessageID) (*Message, bool) {
	m, ok := g.Nodes[id]
	return m, ok
}

// Messages returns all nodes in creation order (sorted by ID, root first).
func (g *Graph) Messages() []*Message {
	msgs := make([]*Message, 0, len(g.Nodes))
	for _, m := range g.Nodes {
		msgs = append(msgs, m)
	}
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].ID < msgs[j].ID
	})
	return msgs
}

// DeepestTip follows the last child from the given node until it reaches a
// leaf, and returns that leaf's ID. Starting from the root this yields the
// most recently grown branch tip.
func (g *Graph) DeepestTip(id MessageID) MessageID {
	node, ok := g.Nodes[id]
	if !ok {
		return NilMessageID
	}
	for len(node.Children) > 0 {
		node = g.Nodes[node.Children[len(node.Children)-1]]
	}
	return node.ID
}

// PathEntry is one node on a resolved display path, together with its sibling
// metadata. SiblingIDs is exactly parent.Children; SiblingTips holds, for
// each sibling, the deepest tip of that sibling's subtree so a caller can
// jump straight to a branch's end rather than its shallow entry point.
type PathEntry struct {
	Message      *Message
	SiblingIDs   []MessageID
	SiblingIndex int
	SiblingTips  []MessageID
}

// ResolveDisplayPath computes the linear root-to-leaf thread to display.
//
// leafID selects the branch tip; NilMessageID (or a stale ID not present in
// the graph) means "most recent": the node reached by repeatedly following
// the last child from the root. The returned path is in root-to-leaf order
// with the root dropped. The receiver is not mutated.
func (g *Graph) ResolveDisplayPath(leafID MessageID) []PathEntry {
	if g.RootID == NilMessageID {
		return nil
	}
	if _, ok := g.Nodes[leafID]; !ok {
		leafID = g.DeepestTip(g.RootID)
	}

	var reversed []*Message
	for id := leafID; id != NilMessageID; {
		node, ok := g.Nodes[id]
		if !ok {
			break
		}
		if node.Role != RoleRoot {
			reversed = append(reversed, node)
		}
		id = node.ParentID
	}

	path := make([]PathEntry, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		node := reversed[i]
		parent := g.Nodes[node.ParentID]
		siblings := append([]MessageID{}, parent.Children...)
		tips := make([]MessageID, len(siblings))
		index := -1
		for j, sib := range siblings {
			tips[j] = g.DeepestTip(sib)
			if sib == node.ID {
				index = j
			}
		}
		path = append(path, PathEntry{
			Message:      node,
			SiblingIDs:   siblings,
			SiblingIndex: index,
			SiblingTips:  tips,
		})
	}
	return path
}

// Thread returns the plain message path from root (exclusive) to the given
// leaf, without sibling metadata. Used to seed prompts.
func (g *Graph) Thread(leafID MessageID) []*Message {
	entries := g.ResolveDisplayPath(leafID)
	msgs := make([]*Message, len(entries))
	for i, e := range entries {
		msgs[i] = e.Message
	}
	return msgs
}

// CreateBranch inserts a new node under parentID and returns it. It never
// overwrites: a duplicate ID (not expected with snowflakes, but tolerated)
// is retried with a fresh one. A dangling parent is a programmer error and
// panics.
func (g *Graph) CreateBranch(parentID MessageID, role Role, content *string, options ...MessageOption) *Message {
	parent, ok := g.Nodes[parentID]
	if !ok {
		panic(fmt.Sprintf("conversation: create branch under unknown parent %s", parentID))
	}

	msg := NewMessage(g.ConvID, parentID, role, content, options...)
	for {
		if _, exists := g.Nodes[msg.ID]; !exists {
			break
		}
		msg.ID = NewMessageID()
	}

	g.Nodes[msg.ID] = msg
	parent.Children = append(parent.Children, msg.ID)
	return msg
}

// Fork copies the ancestor chain from the root down to atMessageID
// (inclusive) into a brand-new conversation with freshly minted IDs. Role,
// content, attachments and timestamps are preserved; the copy gets its own
// synthetic root. Returns ErrNotFound when atMessageID is not part of this
// conversation.
func (g *Graph) Fork(atMessageID MessageID, newName string) (*Conversation, []*Message, error) {
	node, ok := g.Nodes[atMessageID]
	if !ok || node.ConvID != g.ConvID {
		return nil, nil, errors.Wrapf(ErrNotFound, "message %s in conversation %s", atMessageID, g.ConvID)
	}

	var chain []*Message
	for cur := node; cur != nil && cur.Role != RoleRoot; cur = g.Nodes[cur.ParentID] {
		chain = append([]*Message{cur}, chain...)
	}

	conv := NewConversation(newName)
	root := NewRootMessage(conv.ID)
	copies := []*Message{root}
	parentID := root.ID
	for _, src := range chain {
		cp := NewMessage(conv.ID, parentID, src.Role, src.Content,
			WithTime(src.Timestamp),
			WithAttachments(src.Attachments...),
			WithModelName(src.ModelName),
			WithTiming(src.Timing),
		)
		copies = append(copies, cp)
		parentID = cp.ID
	}
	conv.CurrentLeafID = parentID
	return conv, copies, nil
}
