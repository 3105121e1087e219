package sink

import (
	"log/slog"
	"time"
)

// Options configure the sink.
type Options struct {
	Logger    *slog.Logger
	JetStream *JetStreamOptions
}

// JetStreamOptions describe how to persist output in NATS JetStream.
type JetStreamOptions struct {
	URL        string
	User       string
	Password   string
	Prefix     string
	Stream     string
	MaxBytes   int64
	DupeWindow time.Duration
}

func (o *JetStreamOptions) setDefaults() {
	if o.Prefix == "" {
		o.Prefix = "wharf"
	}
	if o.Stream == "" {
		o.Stream = "wharf_output"
	}
	if o.MaxBytes == 0 {
		o.MaxBytes = 1 << 30 // 1GB
	}
	if o.DupeWindow == 0 {
		o.DupeWindow = 2 * time.Minute
	}
}
