package conversation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAudioFormatNormalization(t *testing.T) {
	tests := []struct {
		mimeType string
		expected string
	}{
		{"audio/wav", "wav"},
		{"audio/x-wav", "wav"},
		{"audio/flac", "flac"},
		{"audio/ogg", "opus"},
		{"audio/opus", "opus"},
		{"audio/aac", "aac"},
		{"audio/mp4", "aac"},
		{"audio/mpeg", "mp3"},
		{"application/octet-stream", "mp3"},
		{"", "mp3"},
	}

	for _, tt := range tests {
		att := NewAudioAttachment("clip", []byte{0x01}, tt.mimeType)
		require.Equal(t, tt.expected, att.AudioFormat(), "mime type %q", tt.mimeType)
	}
}

func TestAudioBase64(t *testing.T) {
	att := NewAudioAttachment("clip", []byte("abc"), "audio/wav")
	require.Equal(t, "YWJj", att.AudioBase64())
}

func TestImageAttachmentName(t *testing.T) {
	att := NewImageAttachment("https://example.com/images/cat.png")
	require.Equal(t, "cat.png", att.Name)
}
