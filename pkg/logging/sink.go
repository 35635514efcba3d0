package logging

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/davidroman0O/metalflow/monitor"
)

// EventSink logs monitor events as they arrive
type EventSink struct {
	logger zerolog.Logger
	// Filter drops events it returns false for. Nil keeps everything.
	Filter func(monitor.ProgressEvent) bool
}

// NewEventSink creates a sink writing to l
func NewEventSink(l zerolog.Logger) *EventSink {
	return &EventSink{logger: l}
}

// Follow logs events from sub until the subscription closes or ctx is done.
// Events already buffered when ctx is done are still logged. It reports
// whether the subscription was dropped for falling behind.
func (s *EventSink) Follow(ctx context.Context, sub *monitor.Subscription) bool {
	for {
		select {
		case <-ctx.Done():
			return s.drain(sub)
		case ev, ok := <-sub.Events:
			if !ok {
				return s.closed(sub)
			}
			s.handle(ev)
		}
	}
}

// drain logs what is buffered without waiting for more
func (s *EventSink) drain(sub *monitor.Subscription) bool {
	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				return s.closed(sub)
			}
			s.handle(ev)
		default:
			return sub.Dropped()
		}
	}
}

func (s *EventSink) closed(sub *monitor.Subscription) bool {
	if sub.Dropped() {
		s.logger.Warn().Uint64("subscriber", sub.ID).Msg("event stream dropped, observer too slow")
	}
	return sub.Dropped()
}

func (s *EventSink) handle(ev monitor.ProgressEvent) {
	if s.Filter != nil && !s.Filter(ev) {
		return
	}
	s.Log(ev)
}

// Log writes one event at a level matching its kind
func (s *EventSink) Log(ev monitor.ProgressEvent) {
	var e *zerolog.Event
	switch ev.Kind {
	case monitor.EventError:
		e = s.logger.Error()
	case monitor.EventWarning:
		e = s.logger.Warn()
	case monitor.EventSubtaskStarted, monitor.EventProgress:
		e = s.logger.Debug()
	default:
		e = s.logger.Info()
	}

	e = e.Str("operation", ev.OperationID).Str("event", string(ev.Kind))
	if ev.Subtask != "" {
		e = e.Str("subtask", ev.Subtask)
	}
	if ev.Percentage != nil {
		e = e.Float64("progress", *ev.Percentage)
	}
	if len(ev.Details) > 0 {
		e = e.Fields(ev.Details)
	}
	e.Msg(ev.Message)
}

// ForOperations returns a filter keeping events of the given operations
func ForOperations(ids ...string) func(monitor.ProgressEvent) bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return func(ev monitor.ProgressEvent) bool {
		return set[ev.OperationID]
	}
}
