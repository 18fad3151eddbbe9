package inference

import (
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/figaro/pkg/conversation"
)

func userMessage(text string, attachments ...conversation.Attachment) *conversation.Message {
	return conversation.NewMessage(uuid.New(), conversation.NewMessageID(), conversation.RoleUser,
		conversation.ContentString(text), conversation.WithAttachments(attachments...))
}

func TestBuildPromptSystemPrefix(t *testing.T) {
	prompt, err := BuildPrompt([]*conversation.Message{userMessage("hello")}, "be brief")
	require.NoError(t, err)
	require.Len(t, prompt, 2)
	require.Equal(t, PromptRoleSystem, prompt[0].Role)
	require.Equal(t, "be brief", prompt[0].Parts[0].Text)
	require.Equal(t, PromptRoleUser, prompt[1].Role)
}

func TestBuildPromptAttachmentsBeforeText(t *testing.T) {
	msg := userMessage("summarize these",
		conversation.NewContextAttachment("some context"),
		conversation.NewTextFileAttachment("notes.txt", "note body"),
		conversation.NewImageAttachment("https://example.com/diagram.png"),
	)

	prompt, err := BuildPrompt([]*conversation.Message{msg}, "")
	require.NoError(t, err)
	require.Len(t, prompt, 1)

	parts := prompt[0].Parts
	require.Len(t, parts, 4)
	// all attachment parts precede the user's own text, in attachment order
	require.Equal(t, "some context", parts[0].Text)
	require.Equal(t, "File: notes.txt\nnote body", parts[1].Text)
	require.Equal(t, PartKindImage, parts[2].Kind)
	require.Equal(t, "https://example.com/diagram.png", parts[2].ImageURL)
	require.Equal(t, PartKindText, parts[3].Kind)
	require.Equal(t, "summarize these", parts[3].Text)
}

func TestBuildPromptAudioAttachment(t *testing.T) {
	msg := userMessage("transcribe",
		conversation.NewAudioAttachment("clip.wav", []byte("abc"), "audio/wav"),
	)

	prompt, err := BuildPrompt([]*conversation.Message{msg}, "")
	require.NoError(t, err)
	parts := prompt[0].Parts
	require.Len(t, parts, 2)
	require.Equal(t, PartKindAudio, parts[0].Kind)
	require.Equal(t, "YWJj", parts[0].AudioData)
	require.Equal(t, "wav", parts[0].AudioFormat)
}

func TestBuildPromptSkipsRoot(t *testing.T) {
	convID := uuid.New()
	root := conversation.NewRootMessage(convID)
	prompt, err := BuildPrompt([]*conversation.Message{root, userMessage("hi")}, "")
	require.NoError(t, err)
	require.Len(t, prompt, 1)
}

func TestBuildPromptUnknownAttachmentKind(t *testing.T) {
	msg := userMessage("hello", conversation.Attachment{Kind: "hologram"})
	_, err := BuildPrompt([]*conversation.Message{msg}, "")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrUnsupportedAttachment))
}

func TestValidateAttachments(t *testing.T) {
	require.NoError(t, ValidateAttachments([]conversation.Attachment{
		conversation.NewContextAttachment("ctx"),
		conversation.NewAudioAttachment("a", []byte{1}, "audio/mpeg"),
	}))
	err := ValidateAttachments([]conversation.Attachment{{Kind: "hologram"}})
	require.True(t, errors.Is(err, ErrUnsupportedAttachment))
}

func TestMakeChatMessageCollapsesSingleText(t *testing.T) {
	msg, err := makeChatMessage(PromptMessage{
		Role:  PromptRoleSystem,
		Parts: []PromptPart{{Kind: PartKindText, Text: "be brief"}},
	})
	require.NoError(t, err)
	require.Equal(t, "be brief", msg.Content)
	require.Empty(t, msg.MultiContent)
}

func TestMakeChatMessageMultiPart(t *testing.T) {
	msg, err := makeChatMessage(PromptMessage{
		Role: PromptRoleUser,
		Parts: []PromptPart{
			{Kind: PartKindImage, ImageURL: "https://example.com/x.png"},
			{Kind: PartKindText, Text: "what is this"},
		},
	})
	require.NoError(t, err)
	require.Empty(t, msg.Content)
	require.Len(t, msg.MultiContent, 2)
}
