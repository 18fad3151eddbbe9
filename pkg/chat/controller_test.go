package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/figaro/pkg/conversation"
	"github.com/go-go-golems/figaro/pkg/events"
	"github.com/go-go-golems/figaro/pkg/inference"
	"github.com/go-go-golems/figaro/pkg/session"
	"github.com/go-go-golems/figaro/pkg/store"
)

type scriptedClient struct {
	mu      sync.Mutex
	scripts []func(ctx context.Context, ch chan<- inference.Delta)
	prompts [][]inference.PromptMessage
}

func (c *scriptedClient) push(script func(ctx context.Context, ch chan<- inference.Delta)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts = append(c.scripts, script)
}

func (c *scriptedClient) StreamCompletion(ctx context.Context, prompt []inference.PromptMessage, opts inference.Options) (<-chan inference.Delta, error) {
	c.mu.Lock()
	var script func(ctx context.Context, ch chan<- inference.Delta)
	if len(c.scripts) > 0 {
		script = c.scripts[0]
		c.scripts = c.scripts[1:]
	}
	c.prompts = append(c.prompts, prompt)
	c.mu.Unlock()

	if script == nil {
		return nil, errors.New("no script queued")
	}
	ch := make(chan inference.Delta)
	go func() {
		defer close(ch)
		script(ctx, ch)
	}()
	return ch, nil
}

func (c *scriptedClient) lastPrompt() []inference.PromptMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.prompts) == 0 {
		return nil
	}
	return c.prompts[len(c.prompts)-1]
}

var _ inference.Client = (*scriptedClient)(nil)

type partialSink struct {
	mu   sync.Mutex
	seen int
}

func (s *partialSink) PublishEvent(e events.Event) error {
	if e.Type() == events.EventTypePartial {
		s.mu.Lock()
		s.seen++
		s.mu.Unlock()
	}
	return nil
}

func (s *partialSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen
}

func newTestController(t *testing.T, options ...ControllerOption) (*Controller, *scriptedClient, *store.MemoryStore, *partialSink) {
	t.Helper()
	st := store.NewMemoryStore()
	client := &scriptedClient{}
	sink := &partialSink{}
	registry := session.NewRegistry(client, st, sink)
	return NewController(st, registry, options...), client, st, sink
}

func waitDone(t *testing.T, s *session.Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not terminate")
	}
}

func textOnly(entries []conversation.PathEntry) []string {
	ret := make([]string, len(entries))
	for i, e := range entries {
		ret[i] = e.Message.Text()
	}
	return ret
}

func TestSendCreatesConversationAndStreamsReply(t *testing.T) {
	ctrl, client, st, _ := newTestController(t)
	client.push(func(ctx context.Context, ch chan<- inference.Delta) {
		ch <- inference.Delta{Text: "Hi"}
		ch <- inference.Delta{Text: " there"}
	})

	res, err := ctrl.Send(context.Background(), nil, conversation.NilMessageID, "hello", nil)
	require.NoError(t, err)
	require.Equal(t, conversation.RoleUser, res.UserMessage.Role)
	waitDone(t, res.Session)

	conv, err := st.GetConversation(context.Background(), res.ConvID)
	require.NoError(t, err)
	require.Equal(t, "hello", conv.Name)

	path, err := ctrl.DisplayPath(context.Background(), res.ConvID, conversation.NilMessageID)
	require.NoError(t, err)
	require.Equal(t, []string{"hello", "Hi there"}, textOnly(path))
	require.Equal(t, res.UserMessage.ID, path[1].Message.ParentID)
}

func TestSendRejectsBlankText(t *testing.T) {
	ctrl, _, st, _ := newTestController(t)

	_, err := ctrl.Send(context.Background(), nil, conversation.NilMessageID, "   \n\t ", nil)
	require.True(t, errors.Is(err, ErrEmptyMessage))

	// zero side effects
	convs, err := st.ListConversations(context.Background())
	require.NoError(t, err)
	require.Empty(t, convs)
}

func TestSendRejectsUnknownAttachmentKind(t *testing.T) {
	ctrl, _, st, _ := newTestController(t)

	_, err := ctrl.Send(context.Background(), nil, conversation.NilMessageID, "hello",
		[]conversation.Attachment{{Kind: "hologram"}})
	require.True(t, errors.Is(err, inference.ErrUnsupportedAttachment))

	convs, err := st.ListConversations(context.Background())
	require.NoError(t, err)
	require.Empty(t, convs)
}

func TestSendRejectsWhileSessionActive(t *testing.T) {
	ctrl, client, _, _ := newTestController(t)
	client.push(func(ctx context.Context, ch chan<- inference.Delta) {
		<-ctx.Done()
	})

	res, err := ctrl.Send(context.Background(), nil, conversation.NilMessageID, "hello", nil)
	require.NoError(t, err)

	_, err = ctrl.Send(context.Background(), &res.ConvID, conversation.NilMessageID, "again", nil)
	require.True(t, errors.Is(err, session.ErrSessionActive))

	ctrl.Stop(res.ConvID)
	waitDone(t, res.Session)
}

func TestSendConflictLeavesGraphUnchanged(t *testing.T) {
	ctrl, client, st, _ := newTestController(t)
	client.push(func(ctx context.Context, ch chan<- inference.Delta) {
		ch <- inference.Delta{Text: "Hi"}
	})

	res, err := ctrl.Send(context.Background(), nil, conversation.NilMessageID, "hello", nil)
	require.NoError(t, err)
	waitDone(t, res.Session)

	msgs, err := st.ListMessages(context.Background(), res.ConvID)
	require.NoError(t, err)
	before := len(msgs)

	// hold the session slot the way a racing send would
	release, err := ctrl.registry.Reserve(res.ConvID)
	require.NoError(t, err)

	_, err = ctrl.Send(context.Background(), &res.ConvID, conversation.NilMessageID, "again", nil)
	require.True(t, errors.Is(err, session.ErrSessionActive))

	// the rejected send must not have appended its user message
	msgs, err = st.ListMessages(context.Background(), res.ConvID)
	require.NoError(t, err)
	require.Len(t, msgs, before)

	release()
	client.push(func(ctx context.Context, ch chan<- inference.Delta) {
		ch <- inference.Delta{Text: "ok"}
	})
	res2, err := ctrl.Send(context.Background(), &res.ConvID, conversation.NilMessageID, "again", nil)
	require.NoError(t, err)
	waitDone(t, res2.Session)
}

func TestRegenerateThenCancelAddsSibling(t *testing.T) {
	ctrl, client, _, sink := newTestController(t)
	client.push(func(ctx context.Context, ch chan<- inference.Delta) {
		ch <- inference.Delta{Text: "Hi"}
		ch <- inference.Delta{Text: " there"}
	})

	res, err := ctrl.Send(context.Background(), nil, conversation.NilMessageID, "hello", nil)
	require.NoError(t, err)
	waitDone(t, res.Session)

	path, err := ctrl.DisplayPath(context.Background(), res.ConvID, conversation.NilMessageID)
	require.NoError(t, err)
	a1 := path[1].Message

	client.push(func(ctx context.Context, ch chan<- inference.Delta) {
		ch <- inference.Delta{Text: "Wait"}
		<-ctx.Done()
	})
	seen := sink.count()
	sess, err := ctrl.Regenerate(context.Background(), res.ConvID, a1.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return sink.count() > seen
	}, 5*time.Second, time.Millisecond)
	ctrl.Stop(res.ConvID)
	waitDone(t, sess)

	path, err = ctrl.DisplayPath(context.Background(), res.ConvID, conversation.NilMessageID)
	require.NoError(t, err)
	require.Equal(t, []string{"hello", "Wait"}, textOnly(path))

	last := path[1]
	require.Equal(t, []conversation.MessageID{a1.ID, last.Message.ID}, last.SiblingIDs)
	require.Equal(t, 1, last.SiblingIndex)
	require.Equal(t, res.UserMessage.ID, last.Message.ParentID)
}

func TestEditUserBranchesAndKeepsSubtree(t *testing.T) {
	ctrl, client, _, _ := newTestController(t)
	client.push(func(ctx context.Context, ch chan<- inference.Delta) {
		ch <- inference.Delta{Text: "first reply"}
	})

	res, err := ctrl.Send(context.Background(), nil, conversation.NilMessageID, "hello", nil)
	require.NoError(t, err)
	waitDone(t, res.Session)
	u1 := res.UserMessage

	client.push(func(ctx context.Context, ch chan<- inference.Delta) {
		ch <- inference.Delta{Text: "second reply"}
	})
	res2, err := ctrl.EditUser(context.Background(), res.ConvID, u1.ID, "goodbye", nil)
	require.NoError(t, err)
	waitDone(t, res2.Session)

	// new branch is displayed
	path, err := ctrl.DisplayPath(context.Background(), res.ConvID, conversation.NilMessageID)
	require.NoError(t, err)
	require.Equal(t, []string{"goodbye", "second reply"}, textOnly(path))
	require.Equal(t, u1.ParentID, res2.UserMessage.ParentID)

	// U1 is a sibling at the root, and its subtree is still reachable
	require.Equal(t, []conversation.MessageID{u1.ID, res2.UserMessage.ID}, path[0].SiblingIDs)
	require.Equal(t, 1, path[0].SiblingIndex)

	old, err := ctrl.DisplayPath(context.Background(), res.ConvID, path[0].SiblingTips[0])
	require.NoError(t, err)
	require.Equal(t, []string{"hello", "first reply"}, textOnly(old))
}

func TestEditAssistantDoesNotStartSession(t *testing.T) {
	ctrl, client, _, _ := newTestController(t)
	client.push(func(ctx context.Context, ch chan<- inference.Delta) {
		ch <- inference.Delta{Text: "generated"}
	})

	res, err := ctrl.Send(context.Background(), nil, conversation.NilMessageID, "hello", nil)
	require.NoError(t, err)
	waitDone(t, res.Session)

	path, err := ctrl.DisplayPath(context.Background(), res.ConvID, conversation.NilMessageID)
	require.NoError(t, err)
	a1 := path[1].Message

	// no script queued: any session start would fail the test
	edited, err := ctrl.EditAssistant(context.Background(), res.ConvID, a1.ID, "manual override")
	require.NoError(t, err)
	require.Equal(t, conversation.RoleAssistant, edited.Role)
	require.Equal(t, a1.ParentID, edited.ParentID)

	path, err = ctrl.DisplayPath(context.Background(), res.ConvID, conversation.NilMessageID)
	require.NoError(t, err)
	require.Equal(t, []string{"hello", "manual override"}, textOnly(path))
	require.Equal(t, []conversation.MessageID{a1.ID, edited.ID}, path[1].SiblingIDs)
}

func TestStreamErrorLeavesGraphUnchanged(t *testing.T) {
	ctrl, client, st, _ := newTestController(t)
	client.push(func(ctx context.Context, ch chan<- inference.Delta) {
		ch <- inference.Delta{Text: "first reply"}
	})

	res, err := ctrl.Send(context.Background(), nil, conversation.NilMessageID, "hello", nil)
	require.NoError(t, err)
	waitDone(t, res.Session)

	before, err := st.ListMessages(context.Background(), res.ConvID)
	require.NoError(t, err)

	client.push(func(ctx context.Context, ch chan<- inference.Delta) {
		ch <- inference.Delta{Text: "partial"}
		ch <- inference.Delta{Err: errors.New("boom")}
	})
	path, err := ctrl.DisplayPath(context.Background(), res.ConvID, conversation.NilMessageID)
	require.NoError(t, err)
	sess, err := ctrl.Regenerate(context.Background(), res.ConvID, path[1].Message.ID)
	require.NoError(t, err)
	waitDone(t, sess)

	require.Equal(t, session.StateDiscarded, sess.State())
	after, err := st.ListMessages(context.Background(), res.ConvID)
	require.NoError(t, err)
	require.Len(t, after, len(before))
}

func TestStopIsNoOpWithoutActiveSession(t *testing.T) {
	ctrl, _, _, _ := newTestController(t)
	ctrl.Stop(uuid.New())
}

func TestBranchForksConversation(t *testing.T) {
	ctrl, client, st, _ := newTestController(t)
	client.push(func(ctx context.Context, ch chan<- inference.Delta) {
		ch <- inference.Delta{Text: "reply"}
	})

	res, err := ctrl.Send(context.Background(), nil, conversation.NilMessageID, "hello", nil)
	require.NoError(t, err)
	waitDone(t, res.Session)

	path, err := ctrl.DisplayPath(context.Background(), res.ConvID, conversation.NilMessageID)
	require.NoError(t, err)

	forked, err := ctrl.Branch(context.Background(), res.ConvID, path[1].Message.ID, "forked chat")
	require.NoError(t, err)
	require.NotEqual(t, res.ConvID, forked.ID)

	forkedPath, err := ctrl.DisplayPath(context.Background(), forked.ID, conversation.NilMessageID)
	require.NoError(t, err)
	require.Equal(t, []string{"hello", "reply"}, textOnly(forkedPath))

	// source untouched
	srcMsgs, err := st.ListMessages(context.Background(), res.ConvID)
	require.NoError(t, err)
	require.Len(t, srcMsgs, 3)
}

func TestBranchUnknownMessage(t *testing.T) {
	ctrl, client, _, _ := newTestController(t)
	client.push(func(ctx context.Context, ch chan<- inference.Delta) {
		ch <- inference.Delta{Text: "reply"}
	})

	res, err := ctrl.Send(context.Background(), nil, conversation.NilMessageID, "hello", nil)
	require.NoError(t, err)
	waitDone(t, res.Session)

	_, err = ctrl.Branch(context.Background(), res.ConvID, conversation.MessageID(7), "nope")
	require.True(t, errors.Is(err, conversation.ErrNotFound))
}

func TestSendPromptIncludesSystemAndHistory(t *testing.T) {
	ctrl, client, _, _ := newTestController(t, WithSystemPrompt("be brief"))
	client.push(func(ctx context.Context, ch chan<- inference.Delta) {
		ch <- inference.Delta{Text: "reply"}
	})

	res, err := ctrl.Send(context.Background(), nil, conversation.NilMessageID, "hello", nil)
	require.NoError(t, err)
	waitDone(t, res.Session)

	prompt := client.lastPrompt()
	require.Len(t, prompt, 2)
	require.Equal(t, inference.PromptRoleSystem, prompt[0].Role)
	require.Equal(t, inference.PromptRoleUser, prompt[1].Role)
	require.Equal(t, "hello", prompt[1].Parts[len(prompt[1].Parts)-1].Text)
}

func TestDeriveName(t *testing.T) {
	require.Equal(t, "hello", deriveName("  hello  "))
	require.Equal(t, "first line", deriveName("first line\nsecond line"))

	long := "a very long opening message that keeps going well past the cutoff point"
	name := deriveName(long)
	require.LessOrEqual(t, len([]rune(name)), maxDerivedNameLength+1)
	require.Contains(t, name, "…")
}
