// Package progress derives a job's display summary from its task rows.
// It is a read-side projection only: whether a job is done is decided by the
// store's status recompute, never by the numbers produced here.
package progress

import (
	"fmt"

	"readings-pipeline/internal/models"
)

// phaseOrder lists task-type cohorts in the order users experience them.
var phaseOrder = []struct {
	taskType string
	label    string
	message  string
}{
	{models.TaskTypeText, "writing", "Writing your reading"},
	{models.TaskTypePDF, "rendering", "Laying out your documents"},
	{models.TaskTypeAudio, "narrating", "Recording your narration"},
	{models.TaskTypeSong, "composing", "Composing your song"},
}

// Summarize folds task state into percent, phase, and a display message.
func Summarize(tasks []models.Task) models.Progress {
	counts := map[string]int{}
	for _, t := range tasks {
		counts[t.Status]++
	}

	p := models.Progress{Counts: counts}
	if len(tasks) == 0 {
		p.Phase = "queued"
		p.Message = "Waiting to start"
		return p
	}
	// Percent is completed work only. A failed task is finished but not
	// progress; the job-level error surfaces it, not the percentage.
	p.Percent = counts[models.TaskComplete] * 100 / len(tasks)

	// Phase is the first cohort that still has unfinished work.
	for _, ph := range phaseOrder {
		total, done := 0, 0
		for _, t := range tasks {
			if t.TaskType != ph.taskType {
				continue
			}
			total++
			if t.Terminal() {
				done++
			}
		}
		if total == 0 || done == total {
			continue
		}
		p.Phase = ph.label
		p.Message = fmt.Sprintf("%s (%d/%d)", ph.message, done, total)
		return p
	}

	p.Phase = "finishing"
	p.Message = "Finishing up"
	return p
}
