package inference

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/go-go-golems/figaro/pkg/conversation"
)

// ErrUnsupportedAttachment aborts prompt construction before any network
// call when a message carries an attachment of unrecognized kind.
var ErrUnsupportedAttachment = errors.New("unsupported attachment kind")

type PromptRole string

const (
	PromptRoleSystem    PromptRole = "system"
	PromptRoleUser      PromptRole = "user"
	PromptRoleAssistant PromptRole = "assistant"
)

type PartKind string

const (
	PartKindText  PartKind = "text"
	PartKindImage PartKind = "image"
	PartKindAudio PartKind = "audio"
)

// PromptPart is one tagged content part of an outbound prompt message, shaped
// so a provider client can build its request body without touching the
// conversation model.
type PromptPart struct {
	Kind PartKind

	Text     string
	ImageURL string
	// AudioData is the base64 payload; AudioFormat the normalized format tag.
	AudioData   string
	AudioFormat string
}

// PromptMessage is one outbound turn of the request body.
type PromptMessage struct {
	Role  PromptRole
	Parts []PromptPart
}

// BuildPrompt expands the root-exclusive ancestor chain into outbound prompt
// messages, optionally prefixed with a system instruction.
//
// For user turns with attachments, attachment parts come before the user's
// own text. The ordering is semantic, not cosmetic: consecutive turns sharing
// an attachment set then share a stable prefix, which is what lets the
// endpoint's prefix caching actually hit.
func BuildPrompt(thread []*conversation.Message, systemPrompt string) ([]PromptMessage, error) {
	ret := make([]PromptMessage, 0, len(thread)+1)
	if systemPrompt != "" {
		ret = append(ret, PromptMessage{
			Role:  PromptRoleSystem,
			Parts: []PromptPart{{Kind: PartKindText, Text: systemPrompt}},
		})
	}

	for _, msg := range thread {
		switch msg.Role {
		case conversation.RoleRoot:
			continue
		case conversation.RoleAssistant:
			ret = append(ret, PromptMessage{
				Role:  PromptRoleAssistant,
				Parts: []PromptPart{{Kind: PartKindText, Text: msg.Text()}},
			})
		case conversation.RoleUser:
			pm, err := expandUserTurn(msg)
			if err != nil {
				return nil, err
			}
			ret = append(ret, pm)
		default:
			return nil, errors.Errorf("unsupported message role %q", msg.Role)
		}
	}
	return ret, nil
}

// ValidateAttachments checks that every attachment has a recognized kind.
// Callers use it to reject a turn before any graph mutation or network call.
func ValidateAttachments(attachments []conversation.Attachment) error {
	for _, att := range attachments {
		if _, err := expandAttachment(att); err != nil {
			return err
		}
	}
	return nil
}

func expandUserTurn(msg *conversation.Message) (PromptMessage, error) {
	parts := make([]PromptPart, 0, len(msg.Attachments)+1)
	for _, att := range msg.Attachments {
		part, err := expandAttachment(att)
		if err != nil {
			return PromptMessage{}, err
		}
		parts = append(parts, part)
	}
	parts = append(parts, PromptPart{Kind: PartKindText, Text: msg.Text()})
	return PromptMessage{Role: PromptRoleUser, Parts: parts}, nil
}

func expandAttachment(att conversation.Attachment) (PromptPart, error) {
	switch att.Kind {
	case conversation.AttachmentKindContext:
		return PromptPart{Kind: PartKindText, Text: att.Text}, nil
	case conversation.AttachmentKindTextFile:
		return PromptPart{
			Kind: PartKindText,
			Text: fmt.Sprintf("File: %s\n%s", att.Name, att.Text),
		}, nil
	case conversation.AttachmentKindImage:
		return PromptPart{Kind: PartKindImage, ImageURL: att.ImageURL}, nil
	case conversation.AttachmentKindAudio:
		return PromptPart{
			Kind:        PartKindAudio,
			AudioData:   att.AudioBase64(),
			AudioFormat: att.AudioFormat(),
		}, nil
	default:
		return PromptPart{}, errors.Wrapf(ErrUnsupportedAttachment, "%q", att.Kind)
	}
}
