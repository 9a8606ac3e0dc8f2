package worker

import (
	"time"

	"preview-gate/internal/model"
	"preview-gate/internal/window"
)

// StatusSource is what the status report reads from the preview manager.
type StatusSource interface {
	Pending() []model.ContentItem
	Approved() []model.ContentItem
	Total() int
	Policy() window.Policy
	WindowActive(now time.Time) bool
}

type SystemStatus struct {
	Running       bool         `json:"running"`
	PreviewWindow WindowStatus `json:"preview_window"`
	ContentStats  ContentStats `json:"content_stats"`
	NextDeadlines []Deadline   `json:"next_deadlines"`
}

type WindowStatus struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	IsActive bool   `json:"is_active"`
}

type ContentStats struct {
	PendingPreviews int `json:"pending_previews"`
	ApprovedContent int `json:"approved_content"`
	TotalManaged    int `json:"total_managed"`
}

type Deadline struct {
	ContentID string     `json:"content_id"`
	Title     string     `json:"title"`
	Deadline  *time.Time `json:"deadline"`
}

const maxListedDeadlines = 5

// BuildStatus summarizes the automation state at now.
func BuildStatus(running bool, src StatusSource, now time.Time) SystemStatus {
	pending := src.Pending()
	policy := src.Policy()

	st := SystemStatus{
		Running: running,
		PreviewWindow: WindowStatus{
			Start:    policy.Start.String(),
			End:      policy.End.String(),
			IsActive: src.WindowActive(now),
		},
		ContentStats: ContentStats{
			PendingPreviews: len(pending),
			ApprovedContent: len(src.Approved()),
			TotalManaged:    src.Total(),
		},
		NextDeadlines: []Deadline{},
	}
	for i, item := range pending {
		if i == maxListedDeadlines {
			break
		}
		st.NextDeadlines = append(st.NextDeadlines, Deadline{
			ContentID: item.ID,
			Title:     item.Title,
			Deadline:  item.PreviewDeadline,
		})
	}
	return st
}
