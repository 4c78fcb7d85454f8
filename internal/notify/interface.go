package notify

import (
	"context"
	"time"

	"codeberg.org/mutker/bitaxectl/internal/telemetry"
)

// Notifier delivers a formatted message to one destination.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, msg Message) error
}

// Message is destination-neutral; each Notifier renders it its own way.
type Message struct {
	Title     string             `json:"title"`
	Text      string             `json:"text"`
	Kind      string             `json:"kind,omitempty"`
	Severity  telemetry.Severity `json:"severity,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
	Fields    []Field            `json:"fields,omitempty"`
}

type Field struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short,omitempty"`
}
