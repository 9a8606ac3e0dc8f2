package notify

import (
	"fmt"
	"time"

	"preview-gate/internal/model"
)

type EventType string

const (
	TypePreviewAvailable     EventType = "preview_available"
	TypeDeadlineApproaching  EventType = "preview_deadline"
	TypeAutoPublishScheduled EventType = "auto_publish"
	TypePublishSucceeded     EventType = "publish_success"
	TypePublishFailed        EventType = "publish_failed"
)

// ReminderMarks are the minutes-left values that trigger a deadline reminder.
var ReminderMarks = []int{30, 15, 5}

// Event is a lifecycle notification. Build them with the constructors below.
type Event struct {
	Type        EventType `json:"type"`
	Message     string    `json:"message"`
	ContentID   string    `json:"content_id"`
	ChannelID   string    `json:"channel_id"`
	Timestamp   time.Time `json:"timestamp"`
	MinutesLeft int       `json:"minutes_left,omitempty"`
	Success     *bool     `json:"success,omitempty"`
}

func newEvent(t EventType, item model.ContentItem, msg string) Event {
	return Event{
		Type:      t,
		Message:   msg,
		ContentID: item.ID,
		ChannelID: item.ChannelID,
	}
}

func PreviewAvailable(item model.ContentItem) Event {
	return newEvent(TypePreviewAvailable, item,
		fmt.Sprintf("New content ready for preview: %s (channel: %s)", item.Title, item.ChannelID))
}

func DeadlineApproaching(item model.ContentItem, minutesLeft int) Event {
	ev := newEvent(TypeDeadlineApproaching, item,
		fmt.Sprintf("Preview closes in %d minutes for: %s", minutesLeft, item.Title))
	ev.MinutesLeft = minutesLeft
	return ev
}

func AutoPublishScheduled(item model.ContentItem) Event {
	when := "now"
	if item.AutoPublishTime != nil {
		when = item.AutoPublishTime.Format("15:04")
	}
	return newEvent(TypeAutoPublishScheduled, item,
		fmt.Sprintf("Content will be published automatically: %s at %s", item.Title, when))
}

func PublishResult(item model.ContentItem, success bool) Event {
	var ev Event
	if success {
		ev = newEvent(TypePublishSucceeded, item, fmt.Sprintf("Content published: %s", item.Title))
	} else {
		ev = newEvent(TypePublishFailed, item,
			fmt.Sprintf("Failed to publish content: %s (attempt %d of %d)",
				item.Title, item.PublishAttempts, item.MaxPublishAttempts))
	}
	ev.Success = &success
	return ev
}
