// Package plan turns a job type and its params into the concrete task batch
// inserted at submission time. The plan is deterministic for a given
// (type, params) pair and is never recomputed or reconciled afterwards: the
// one causal dependency in the system (a PDF task consuming its sibling text
// task's artifact) is wired here, through input paths, not by the scheduler.
package plan

import (
	"encoding/json"
	"fmt"
	"strings"

	"readings-pipeline/internal/config"
	"readings-pipeline/internal/models"
)

// The compatibility reading ships as a fixed document set unless the caller
// narrows it via params.sections.
var compatibilitySections = []string{
	"overview",
	"sun_signs",
	"moon_signs",
	"rising_signs",
	"venus_and_love",
	"mars_and_drive",
	"mercury_and_communication",
	"emotional_bond",
	"intimacy",
	"conflict_styles",
	"shared_growth",
	"career_and_ambition",
	"home_and_family",
	"spiritual_connection",
	"challenges",
	"long_term_outlook",
}

var soloSections = []string{
	"overview",
	"sun_sign",
	"moon_sign",
	"rising_sign",
	"love_and_venus",
	"drive_and_mars",
	"career",
	"year_ahead",
}

// Params is the user-supplied job payload. Person birth data and any other
// producer inputs ride through opaquely inside the raw params.
type Params struct {
	Sections    []string `json:"sections,omitempty"`
	Voice       string   `json:"voice,omitempty"`
	IncludeSong bool     `json:"includeSong,omitempty"`
	SongStyle   string   `json:"songStyle,omitempty"`
}

// Build computes the task batch for a job. jobID is minted by the caller so
// artifact paths can be wired into task inputs before anything is persisted.
func Build(cfg config.Config, jobID, jobType string, rawParams json.RawMessage) ([]models.Task, error) {
	var p Params
	if len(rawParams) > 0 {
		if err := json.Unmarshal(rawParams, &p); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}

	var sections []string
	switch jobType {
	case models.JobTypeCompatibility:
		sections = compatibilitySections
	case models.JobTypeSolo:
		sections = soloSections
	default:
		return nil, fmt.Errorf("unknown job type %q", jobType)
	}
	if len(p.Sections) > 0 {
		if err := validateSections(p.Sections, sections); err != nil {
			return nil, err
		}
		sections = p.Sections
	}

	var tasks []models.Task
	seq := 0
	add := func(taskType string, input any) error {
		raw, err := models.MarshalPayload(input)
		if err != nil {
			return err
		}
		tasks = append(tasks, models.Task{
			JobID:            jobID,
			TaskType:         taskType,
			Sequence:         seq,
			Input:            raw,
			HeartbeatTimeout: cfg.HeartbeatTimeout,
			MaxAttempts:      cfg.TaskMaxAttempts,
		})
		seq++
		return nil
	}

	for _, section := range sections {
		textPath := textPath(jobID, section)
		if err := add(models.TaskTypeText, models.TextInput{
			Section:    section,
			Title:      title(section),
			Params:     rawParams,
			OutputPath: textPath,
		}); err != nil {
			return nil, err
		}
		if err := add(models.TaskTypePDF, models.PDFInput{
			Title:            title(section),
			TextArtifactPath: textPath,
			OutputPath:       fmt.Sprintf("jobs/%s/documents/%s.pdf", jobID, section),
		}); err != nil {
			return nil, err
		}
	}

	voice := p.Voice
	if voice == "" {
		voice = "warm"
	}
	if err := add(models.TaskTypeAudio, models.AudioInput{
		Voice:      voice,
		Params:     rawParams,
		OutputPath: fmt.Sprintf("jobs/%s/narration.mp3", jobID),
	}); err != nil {
		return nil, err
	}

	if p.IncludeSong {
		style := p.SongStyle
		if style == "" {
			style = "acoustic"
		}
		if err := add(models.TaskTypeSong, models.SongInput{
			Style:      style,
			Params:     rawParams,
			OutputPath: fmt.Sprintf("jobs/%s/song.mp3", jobID),
		}); err != nil {
			return nil, err
		}
	}

	return tasks, nil
}

func validateSections(requested, allowed []string) error {
	ok := make(map[string]bool, len(allowed))
	for _, s := range allowed {
		ok[s] = true
	}
	for _, s := range requested {
		if !ok[s] {
			return fmt.Errorf("unknown section %q", s)
		}
	}
	return nil
}

func textPath(jobID, section string) string {
	return fmt.Sprintf("jobs/%s/text/%s.md", jobID, section)
}

func title(section string) string {
	words := strings.Split(section, "_")
	for i, w := range words {
		if w == "and" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
