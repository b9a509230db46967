package models

import (
	"encoding/json"
	"fmt"
)

// Task inputs form a tagged union keyed by TaskType. Each worker handler
// decodes exactly one of these from Task.Input.

// TextInput drives a text_generation task. Params carries the user-supplied
// job parameters verbatim; the producer treats them as an opaque prompt seed.
type TextInput struct {
	Section    string          `json:"section"`
	Title      string          `json:"title"`
	Params     json.RawMessage `json:"params"`
	OutputPath string          `json:"outputPath"`
}

// PDFInput drives a pdf_generation task. TextArtifactPath references the
// sibling text task's artifact; the handler waits (bounded) for it to appear.
type PDFInput struct {
	Title            string `json:"title"`
	TextArtifactPath string `json:"textArtifactPath"`
	OutputPath       string `json:"outputPath"`
}

// AudioInput drives an audio_generation (narration) task.
type AudioInput struct {
	Voice      string          `json:"voice"`
	Params     json.RawMessage `json:"params"`
	OutputPath string          `json:"outputPath"`
}

// SongInput drives a song_generation task.
type SongInput struct {
	Style      string          `json:"style"`
	Params     json.RawMessage `json:"params"`
	OutputPath string          `json:"outputPath"`
}

// Task outputs, written only on successful completion.

type TextOutput struct {
	ArtifactPath string `json:"artifactPath"`
	WordCount    int    `json:"wordCount"`
}

type PDFOutput struct {
	ArtifactPath string `json:"artifactPath"`
}

type AudioOutput struct {
	ArtifactPath string `json:"artifactPath"`
}

type SongOutput struct {
	ArtifactPath string `json:"artifactPath"`
}

// DecodeInput unmarshals a task's input into the typed payload for its type.
func DecodeInput(t Task, dst any) error {
	if len(t.Input) == 0 {
		return fmt.Errorf("task %s has empty input", t.ID)
	}
	if err := json.Unmarshal(t.Input, dst); err != nil {
		return fmt.Errorf("decode %s input: %w", t.TaskType, err)
	}
	return nil
}

// MarshalPayload encodes a typed input or output for persistence.
func MarshalPayload(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return raw, nil
}
