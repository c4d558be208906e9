package audit

import (
	"context"
	"encoding/json"

	"sweepdesk.io/internal/obs"
)

// Sink receives every emitted record.
type Sink interface {
	Write(ctx context.Context, r Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, r Record) error

func (f SinkFunc) Write(ctx context.Context, r Record) error { return f(ctx, r) }

// LogSink writes each record as one JSON line on the shared logger.
type LogSink struct{}

func (LogSink) Write(_ context.Context, r Record) error {
	entry := struct {
		Type string `json:"type"`
		Record
	}{Type: "audit", Record: r}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}

// StoreSink appends records to a Store.
type StoreSink struct {
	Store Store
}

func (s StoreSink) Write(ctx context.Context, r Record) error {
	return s.Store.Append(ctx, r)
}
