package events

import (
	"context"
	"errors"

	"github.com/go-logr/logr"
)

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// LogPublisher writes every event to a logger.
type LogPublisher struct {
	log logr.Logger
}

func NewLogPublisher(log logr.Logger) *LogPublisher {
	return &LogPublisher{log: log.WithName("events")}
}

func (p *LogPublisher) Publish(_ context.Context, ev Event) error {
	kv := []any{"type", ev.Type, "height", ev.Height, "account", ev.Account, "amount", ev.Amount}
	if ev.PotID != nil {
		kv = append(kv, "pot", *ev.PotID)
	}
	if ev.Burned > 0 {
		kv = append(kv, "burned", ev.Burned)
	}
	p.log.Info("event", kv...)
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// Multi fans one event out to several publishers. Every publisher sees every
// event; failures are joined.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
