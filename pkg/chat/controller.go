package chat

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/figaro/pkg/conversation"
	"github.com/go-go-golems/figaro/pkg/inference"
	"github.com/go-go-golems/figaro/pkg/session"
	"github.com/go-go-golems/figaro/pkg/store"
)

var (
	// ErrEmptyMessage rejects a send whose text is blank after trimming.
	ErrEmptyMessage = errors.New("message text is empty")
	// ErrWrongRole rejects an edit or regenerate aimed at a node of the
	// wrong role.
	ErrWrongRole = errors.New("operation not applicable to message role")
)

const maxDerivedNameLength = 40

// Controller is the per-conversation façade callers use: it validates
// intents, performs the graph mutations for user turns, and hands streaming
// work to the session registry.
//
// All mutations go through the store, which is the single durable resource;
// the controller never holds graph state between calls.
type Controller struct {
	store    store.Store
	registry *session.Registry

	systemPrompt string
	options      inference.Options
}

type ControllerOption func(*Controller)

func WithSystemPrompt(prompt string) ControllerOption {
	return func(c *Controller) {
		c.systemPrompt = prompt
	}
}

func WithInferenceOptions(opts inference.Options) ControllerOption {
	return func(c *Controller) {
		c.options = opts
	}
}

func NewController(st store.Store, registry *session.Registry, options ...ControllerOption) *Controller {
	ret := &Controller{
		store:    st,
		registry: registry,
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// SendResult reports what a successful Send created.
type SendResult struct {
	ConvID      uuid.UUID
	UserMessage *conversation.Message
	Session     *session.Session
}

// Send appends a user turn and starts a generation session attached to it.
//
// convID may be nil, in which case a new conversation (named from a
// truncated prefix of text) and its synthetic root are created first.
// attachLeafID selects where the turn attaches; NilMessageID or a stale ID
// resolves to the most recent leaf. Send is rejected with a typed error,
// before any side effect, when text is blank, an attachment kind is unknown,
// or a session is already streaming for the conversation.
func (c *Controller) Send(
	ctx context.Context,
	convID *uuid.UUID,
	attachLeafID conversation.MessageID,
	text string,
	attachments []conversation.Attachment,
) (*SendResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	if err := inference.ValidateAttachments(attachments); err != nil {
		return nil, err
	}

	// the session slot is reserved before the user message is appended, so a
	// conflicting send is rejected with zero graph mutations
	var g *conversation.Graph
	var conv *conversation.Conversation
	var release func()
	if convID == nil {
		var err error
		conv, g, err = c.createConversation(ctx, text)
		if err != nil {
			return nil, err
		}
		release, err = c.registry.Reserve(conv.ID)
		if err != nil {
			return nil, err
		}
	} else {
		var err error
		release, err = c.registry.Reserve(*convID)
		if err != nil {
			return nil, err
		}
		conv, g, err = c.loadGraph(ctx, *convID)
		if err != nil {
			release()
			return nil, err
		}
	}

	leafID := attachLeafID
	if _, ok := g.Get(leafID); !ok {
		leafID = g.DeepestTip(g.RootID)
	}

	userMsg, err := c.appendBranch(ctx, conv, g, leafID, conversation.RoleUser, &text,
		conversation.WithAttachments(attachments...))
	if err != nil {
		release()
		return nil, err
	}

	thread := append(g.Thread(leafID), userMsg)
	prompt, err := inference.BuildPrompt(thread, c.systemPrompt)
	if err != nil {
		release()
		return nil, err
	}

	sess, err := c.registry.Start(ctx, session.StartParams{
		ConvID:       conv.ID,
		AttachLeafID: userMsg.ID,
		Prompt:       prompt,
		Options:      c.options,
	})
	if err != nil {
		release()
		return nil, err
	}

	log.Debug().Str("conv_id", conv.ID.String()).Str("user_message_id", userMsg.ID.String()).
		Int("attachment_count", len(attachments)).Msg("send accepted")
	return &SendResult{ConvID: conv.ID, UserMessage: userMsg, Session: sess}, nil
}

// EditUser creates a sibling user node next to messageID with the new text
// and attachments and starts a fresh generation from it. The original
// message and its subtree stay intact and reachable via sibling navigation.
func (c *Controller) EditUser(
	ctx context.Context,
	convID uuid.UUID,
	messageID conversation.MessageID,
	newText string,
	newAttachments []conversation.Attachment,
) (*SendResult, error) {
	if strings.TrimSpace(newText) == "" {
		return nil, ErrEmptyMessage
	}
	if err := inference.ValidateAttachments(newAttachments); err != nil {
		return nil, err
	}
	release, err := c.registry.Reserve(convID)
	if err != nil {
		return nil, err
	}

	conv, g, err := c.loadGraph(ctx, convID)
	if err != nil {
		release()
		return nil, err
	}
	msg, ok := g.Get(messageID)
	if !ok {
		release()
		return nil, errors.Wrapf(conversation.ErrNotFound, "message %s", messageID)
	}
	if msg.Role != conversation.RoleUser {
		release()
		return nil, errors.Wrapf(ErrWrongRole, "edit user on %s message", msg.Role)
	}

	edited, err := c.appendBranch(ctx, conv, g, msg.ParentID, conversation.RoleUser, &newText,
		conversation.WithAttachments(newAttachments...))
	if err != nil {
		release()
		return nil, err
	}

	thread := append(g.Thread(msg.ParentID), edited)
	prompt, err := inference.BuildPrompt(thread, c.systemPrompt)
	if err != nil {
		release()
		return nil, err
	}

	sess, err := c.registry.Start(ctx, session.StartParams{
		ConvID:       convID,
		AttachLeafID: edited.ID,
		Prompt:       prompt,
		Options:      c.options,
	})
	if err != nil {
		release()
		return nil, err
	}
	return &SendResult{ConvID: convID, UserMessage: edited, Session: sess}, nil
}

// EditAssistant creates a sibling assistant node carrying the supplied text.
// No generation session is started; this is a manual override of a reply.
func (c *Controller) EditAssistant(
	ctx context.Context,
	convID uuid.UUID,
	messageID conversation.MessageID,
	newText string,
) (*conversation.Message, error) {
	if strings.TrimSpace(newText) == "" {
		return nil, ErrEmptyMessage
	}

	conv, g, err := c.loadGraph(ctx, convID)
	if err != nil {
		return nil, err
	}
	msg, ok := g.Get(messageID)
	if !ok {
		return nil, errors.Wrapf(conversation.ErrNotFound, "message %s", messageID)
	}
	if msg.Role != conversation.RoleAssistant {
		return nil, errors.Wrapf(ErrWrongRole, "edit assistant on %s message", msg.Role)
	}

	return c.appendBranch(ctx, conv, g, msg.ParentID, conversation.RoleAssistant, &newText)
}

// Regenerate starts a fresh generation attached at the parent of an existing
// assistant reply. On completion the new reply appears as a sibling of the
// old one; the old content is never touched.
func (c *Controller) Regenerate(
	ctx context.Context,
	convID uuid.UUID,
	messageID conversation.MessageID,
) (*session.Session, error) {
	release, err := c.registry.Reserve(convID)
	if err != nil {
		return nil, err
	}

	_, g, err := c.loadGraph(ctx, convID)
	if err != nil {
		release()
		return nil, err
	}
	msg, ok := g.Get(messageID)
	if !ok {
		release()
		return nil, errors.Wrapf(conversation.ErrNotFound, "message %s", messageID)
	}
	if msg.Role != conversation.RoleAssistant {
		release()
		return nil, errors.Wrapf(ErrWrongRole, "regenerate on %s message", msg.Role)
	}

	prompt, err := inference.BuildPrompt(g.Thread(msg.ParentID), c.systemPrompt)
	if err != nil {
		release()
		return nil, err
	}

	sess, err := c.registry.Start(ctx, session.StartParams{
		ConvID:       convID,
		AttachLeafID: msg.ParentID,
		Prompt:       prompt,
		Options:      c.options,
	})
	if err != nil {
		release()
		return nil, err
	}
	return sess, nil
}

// Stop cancels the active session for a conversation; it is a no-op when
// none is streaming.
func (c *Controller) Stop(convID uuid.UUID) {
	c.registry.Stop(convID)
}

// Branch forks the ancestor chain ending at messageID into a brand-new
// conversation and persists it.
func (c *Controller) Branch(
	ctx context.Context,
	convID uuid.UUID,
	messageID conversation.MessageID,
	newName string,
) (*conversation.Conversation, error) {
	_, g, err := c.loadGraph(ctx, convID)
	if err != nil {
		return nil, err
	}

	conv, copies, err := g.Fork(messageID, newName)
	if err != nil {
		return nil, err
	}

	if err := c.store.PutConversation(ctx, conv); err != nil {
		return nil, err
	}
	// appends are atomic per message, not transactional across the chain
	for _, msg := range copies {
		if err := c.store.AppendMessage(ctx, msg, msg.ParentID); err != nil {
			return nil, err
		}
	}
	return conv, nil
}

// DisplayPath resolves the linear thread to display for a conversation.
// leafID may be NilMessageID (or stale) to select the most recent branch.
func (c *Controller) DisplayPath(
	ctx context.Context,
	convID uuid.UUID,
	leafID conversation.MessageID,
) ([]conversation.PathEntry, error) {
	_, g, err := c.loadGraph(ctx, convID)
	if err != nil {
		return nil, err
	}
	return g.ResolveDisplayPath(leafID), nil
}

// Subscribe forwards store change notifications to the handler until ctx is
// cancelled.
func (c *Controller) Subscribe(ctx context.Context, handler store.ChangeHandler) error {
	return c.store.Subscribe(ctx, handler)
}

func (c *Controller) createConversation(ctx context.Context, text string) (*conversation.Conversation, *conversation.Graph, error) {
	conv := conversation.NewConversation(deriveName(text))
	if err := c.store.PutConversation(ctx, conv); err != nil {
		return nil, nil, err
	}
	g := conversation.NewEmptyGraph(conv.ID)
	root := g.Root()
	if err := c.store.AppendMessage(ctx, root, conversation.NilMessageID); err != nil {
		return nil, nil, err
	}
	return conv, g, nil
}

func (c *Controller) loadGraph(ctx context.Context, convID uuid.UUID) (*conversation.Conversation, *conversation.Graph, error) {
	conv, err := c.store.GetConversation(ctx, convID)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := c.store.ListMessages(ctx, convID)
	if err != nil {
		return nil, nil, err
	}
	return conv, conversation.NewGraph(convID, msgs), nil
}

// appendBranch persists a new node under parentID and advances the
// conversation's advisory current leaf to it.
func (c *Controller) appendBranch(
	ctx context.Context,
	conv *conversation.Conversation,
	g *conversation.Graph,
	parentID conversation.MessageID,
	role conversation.Role,
	content *string,
	options ...conversation.MessageOption,
) (*conversation.Message, error) {
	msg := g.CreateBranch(parentID, role, content, options...)
	for {
		err := c.store.AppendMessage(ctx, msg, parentID)
		if err == nil {
			break
		}
		if errors.Is(err, store.ErrDuplicateMessage) {
			msg.ID = conversation.NewMessageID()
			continue
		}
		return nil, err
	}

	conv.CurrentLeafID = msg.ID
	if err := c.store.PutConversation(ctx, conv); err != nil {
		return nil, err
	}
	return msg, nil
}

// deriveName builds a conversation name from the first line of the opening
// message, truncated at a rune boundary.
func deriveName(text string) string {
	name := strings.TrimSpace(text)
	if idx := strings.IndexByte(name, '\n'); idx >= 0 {
		name = strings.TrimSpace(name[:idx])
	}
	if utf8.RuneCountInString(name) <= maxDerivedNameLength {
		return name
	}
	runes := []rune(name)
	return strings.TrimSpace(string(runes[:maxDerivedNameLength])) + "…"
}
