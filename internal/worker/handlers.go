package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"readings-pipeline/internal/artifact"
	"readings-pipeline/internal/config"
	"readings-pipeline/internal/models"
	"readings-pipeline/internal/producer"
)

// Handlers binds the opaque producers to task types. One Handlers value
// serves all tasks a worker claims; producers are expected to be safe for
// concurrent use.
type Handlers struct {
	cfg       config.Config
	artifacts artifact.Store
	text      producer.Text
	pdf       producer.PDF
	audio     producer.Audio
	song      producer.Song
}

func NewHandlers(cfg config.Config, artifacts artifact.Store, text producer.Text, pdf producer.PDF, audio producer.Audio, song producer.Song) *Handlers {
	return &Handlers{
		cfg:       cfg,
		artifacts: artifacts,
		text:      text,
		pdf:       pdf,
		audio:     audio,
		song:      song,
	}
}

// Register wires every producer-backed handler onto the worker.
func (h *Handlers) Register(w *Worker) {
	if h.text != nil {
		w.RegisterHandler(models.TaskTypeText, h.HandleText)
	}
	if h.pdf != nil {
		w.RegisterHandler(models.TaskTypePDF, h.HandlePDF)
	}
	if h.audio != nil {
		w.RegisterHandler(models.TaskTypeAudio, h.HandleAudio)
	}
	if h.song != nil {
		w.RegisterHandler(models.TaskTypeSong, h.HandleSong)
	}
}

func (h *Handlers) HandleText(ctx context.Context, task models.Task) (Result, error) {
	var in models.TextInput
	if err := models.DecodeInput(task, &in); err != nil {
		return Result{}, err
	}
	body, err := h.text.GenerateText(ctx, in)
	if err != nil {
		return Result{}, fmt.Errorf("generate text %q: %w", in.Section, err)
	}
	return Result{
		Output: models.TextOutput{
			ArtifactPath: in.OutputPath,
			WordCount:    len(strings.Fields(string(body))),
		},
		Artifacts: []ArtifactPayload{{
			Type:        models.ArtifactText,
			Path:        in.OutputPath,
			ContentType: "text/markdown",
			Data:        body,
			Metadata:    map[string]string{"section": in.Section},
		}},
	}, nil
}

// HandlePDF renders a document from a sibling text task's artifact. The text
// may not exist yet — the tasks run in parallel — so the handler polls for it
// with a bounded budget and fails fast when it never appears, letting the
// normal retry path (and eventually the job error path) take over.
func (h *Handlers) HandlePDF(ctx context.Context, task models.Task) (Result, error) {
	var in models.PDFInput
	if err := models.DecodeInput(task, &in); err != nil {
		return Result{}, err
	}

	markdown, err := h.waitForArtifact(ctx, in.TextArtifactPath)
	if err != nil {
		return Result{}, err
	}

	doc, err := h.pdf.RenderPDF(ctx, in.Title, markdown)
	if err != nil {
		return Result{}, fmt.Errorf("render pdf %q: %w", in.Title, err)
	}
	return Result{
		Output: models.PDFOutput{ArtifactPath: in.OutputPath},
		Artifacts: []ArtifactPayload{{
			Type:        models.ArtifactPDF,
			Path:        in.OutputPath,
			ContentType: "application/pdf",
			Data:        doc,
			Metadata:    map[string]string{"title": in.Title},
		}},
	}, nil
}

func (h *Handlers) HandleAudio(ctx context.Context, task models.Task) (Result, error) {
	var in models.AudioInput
	if err := models.DecodeInput(task, &in); err != nil {
		return Result{}, err
	}
	track, err := h.audio.SynthesizeAudio(ctx, in)
	if err != nil {
		return Result{}, fmt.Errorf("synthesize audio: %w", err)
	}
	return Result{
		Output: models.AudioOutput{ArtifactPath: in.OutputPath},
		Artifacts: []ArtifactPayload{{
			Type:        models.ArtifactAudio,
			Path:        in.OutputPath,
			ContentType: "audio/mpeg",
			Data:        track,
			Metadata:    map[string]string{"voice": in.Voice},
		}},
	}, nil
}

func (h *Handlers) HandleSong(ctx context.Context, task models.Task) (Result, error) {
	var in models.SongInput
	if err := models.DecodeInput(task, &in); err != nil {
		return Result{}, err
	}
	track, err := h.song.ComposeSong(ctx, in)
	if err != nil {
		return Result{}, fmt.Errorf("compose song: %w", err)
	}
	return Result{
		Output: models.SongOutput{ArtifactPath: in.OutputPath},
		Artifacts: []ArtifactPayload{{
			Type:        models.ArtifactAudio,
			Path:        in.OutputPath,
			ContentType: "audio/mpeg",
			Data:        track,
			Metadata:    map[string]string{"style": in.Style},
		}},
	}, nil
}

func (h *Handlers) waitForArtifact(ctx context.Context, path string) ([]byte, error) {
	attempts := h.cfg.DependencyWaitAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		data, err := h.artifacts.Download(ctx, path)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, artifact.ErrNotFound) {
			return nil, fmt.Errorf("fetch dependency %s: %w", path, err)
		}
		if i < attempts-1 {
			sleepCtx(ctx, h.cfg.DependencyWaitInterval)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("dependency %s not available after %d polls", path, attempts)
}
