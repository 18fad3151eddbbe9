package conversation

import (
	"encoding/base64"
	"strings"
)

// AttachmentKind discriminates the payload shapes that can ride along with a
// user turn.
type AttachmentKind string

const (
	// AttachmentKindContext is free-form context text, inlined as-is.
	AttachmentKindContext AttachmentKind = "context"
	// AttachmentKindTextFile is a text file, inlined with a filename header.
	AttachmentKindTextFile AttachmentKind = "text-file"
	// AttachmentKindImage is an image, passed as a URI-embedded binary.
	AttachmentKindImage AttachmentKind = "image"
	// AttachmentKindAudio is raw audio, passed base64-encoded with a
	// normalized format tag.
	AttachmentKindAudio AttachmentKind = "audio"
)

// Attachment is one descriptor in a message's extra payload list. Which
// fields are meaningful depends on Kind.
type Attachment struct {
	Kind AttachmentKind `json:"kind"`
	Name string         `json:"name,omitempty"`

	// Text holds the payload for context and text-file attachments.
	Text string `json:"text,omitempty"`
	// ImageURL holds the URI (possibly a data: URI) for image attachments.
	ImageURL string `json:"imageURL,omitempty"`
	// AudioData holds the raw payload for audio attachments.
	AudioData []byte `json:"audioData,omitempty"`
	// MIMEType is the sniffed or declared media type of the payload.
	MIMEType string `json:"mimeType,omitempty"`
}

func NewContextAttachment(text string) Attachment {
	return Attachment{Kind: AttachmentKindContext, Text: text}
}

func NewTextFileAttachment(name, text string) Attachment {
	return Attachment{Kind: AttachmentKindTextFile, Name: name, Text: text}
}

func NewImageAttachment(url string) Attachment {
	return Attachment{Kind: AttachmentKindImage, Name: baseName(url), ImageURL: url}
}

func NewAudioAttachment(name string, data []byte, mimeType string) Attachment {
	return Attachment{Kind: AttachmentKindAudio, Name: name, AudioData: data, MIMEType: mimeType}
}

// AudioBase64 returns the audio payload base64-encoded for transport.
func (a Attachment) AudioBase64() string {
	return base64.StdEncoding.EncodeToString(a.AudioData)
}

// AudioFormat normalizes the attachment's MIME type into the format tag the
// inference endpoint expects. Anything that doesn't match a recognized
// pattern defaults to mp3, the compressed format.
func (a Attachment) AudioFormat() string {
	mt := strings.ToLower(a.MIMEType)
	switch {
	case strings.Contains(mt, "wav"):
		return "wav"
	case strings.Contains(mt, "flac"):
		return "flac"
	case strings.Contains(mt, "ogg") || strings.Contains(mt, "opus"):
		return "opus"
	case strings.Contains(mt, "aac") || strings.Contains(mt, "m4a") || strings.Contains(mt, "mp4"):
		return "aac"
	default:
		return "mp3"
	}
}

func baseName(url string) string {
	if idx := strings.LastIndex(url, "/"); idx >= 0 && idx+1 < len(url) {
		return url[idx+1:]
	}
	return url
}
