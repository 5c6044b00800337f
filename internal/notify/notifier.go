// Package notify delivers hedging events to operator channels. Events are
// fanned out to every registered Sender and can be filtered by type.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// EventType names a notification event.
type EventType string

const (
	EventAdjustmentStarted      EventType = "adjustment_started"
	EventAdjustmentSucceeded    EventType = "adjustment_succeeded"
	EventAdjustmentFailed       EventType = "adjustment_failed"
	EventAdjustmentInconsistent EventType = "adjustment_inconsistent"
	EventOrderFilled            EventType = "order_filled"
	EventCycleFailed            EventType = "cycle_failed"
)

// Event is one notification.
type Event struct {
	Time        time.Time
	Type        EventType
	AccountID   string
	Instrument  string
	Replacement string
	Message     string
	Error       string
}

// Title renders a short headline for the event.
func (e Event) Title() string {
	switch e.Type {
	case EventAdjustmentStarted:
		return "Delta roll started"
	case EventAdjustmentSucceeded:
		return "Delta roll complete"
	case EventAdjustmentFailed:
		return "Delta roll failed"
	case EventAdjustmentInconsistent:
		return "INCONSISTENT delta roll, manual action required"
	case EventOrderFilled:
		return "Hedge order filled"
	case EventCycleFailed:
		return "Reconciliation cycle failed"
	default:
		return string(e.Type)
	}
}

// Body renders the event details, one field per line.
func (e Event) Body() string {
	var b strings.Builder
	if e.AccountID != "" {
		fmt.Fprintf(&b, "account: %s\n", e.AccountID)
	}
	if e.Instrument != "" {
		fmt.Fprintf(&b, "instrument: %s\n", e.Instrument)
	}
	if e.Replacement != "" {
		fmt.Fprintf(&b, "replacement: %s\n", e.Replacement)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, "%s\n", e.Message)
	}
	if e.Error != "" {
		fmt.Fprintf(&b, "error: %s\n", e.Error)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Notifier is what the reconciler depends on.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Dispatcher fans events out to senders. An empty event filter allows all
// events.
type Dispatcher struct {
	senders []Sender
	events  map[EventType]bool
	log     logrus.FieldLogger
	now     func() time.Time
}

// Ensure Dispatcher implements Notifier at compile time.
var _ Notifier = (*Dispatcher)(nil)

// NewDispatcher creates a Dispatcher for senders, forwarding only the listed
// event types.
func NewDispatcher(senders []Sender, events []string, log logrus.FieldLogger) *Dispatcher {
	allowed := make(map[EventType]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[EventType(e)] = true
		}
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Dispatcher{
		senders: senders,
		events:  allowed,
		log:     log.WithField("component", "notifier"),
		now:     time.Now,
	}
}

// Notify delivers ev to every sender. One sender failing does not stop the
// others; all failures are joined into the returned error.
func (d *Dispatcher) Notify(ctx context.Context, ev Event) error {
	if len(d.events) > 0 && !d.events[ev.Type] {
		d.log.WithField("event", ev.Type).Debug("Event filtered out")
		return nil
	}
	if ev.Time.IsZero() {
		ev.Time = d.now()
	}
	title, body := ev.Title(), ev.Body()

	var errs []error
	for _, s := range d.senders {
		if err := s.Send(ctx, title, body); err != nil {
			d.log.WithError(err).WithField("sender", s.Name()).Error("Sender failed")
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		d.log.WithFields(logrus.Fields{"sender": s.Name(), "event": ev.Type}).Debug("Notification sent")
	}
	return errors.Join(errs...)
}

// LogSender writes notifications to the process log. It is always registered
// so events are visible without any chat integration.
type LogSender struct {
	log logrus.FieldLogger
}

// NewLogSender creates a LogSender.
func NewLogSender(log logrus.FieldLogger) *LogSender {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &LogSender{log: log}
}

// Send implements Sender.
func (l *LogSender) Send(_ context.Context, title, message string) error {
	l.log.WithField("detail", message).Info(title)
	return nil
}

// Name implements Sender.
func (l *LogSender) Name() string { return "log" }
