// Package producer defines the opaque external collaborators that do the
// actual generation work. The queue core never inspects what they produce;
// it transports inputs in and stores the bytes that come out.
package producer

import (
	"context"

	"readings-pipeline/internal/models"
)

// Text generates the markdown body of one reading section.
type Text interface {
	GenerateText(ctx context.Context, in models.TextInput) ([]byte, error)
}

// PDF renders a document from a title and markdown bytes.
type PDF interface {
	RenderPDF(ctx context.Context, title string, markdown []byte) ([]byte, error)
}

// Audio synthesizes a narration track.
type Audio interface {
	SynthesizeAudio(ctx context.Context, in models.AudioInput) ([]byte, error)
}

// Song composes a personalized song.
type Song interface {
	ComposeSong(ctx context.Context, in models.SongInput) ([]byte, error)
}
