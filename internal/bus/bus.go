// Package bus wraps NATS JetStream for the inbound/outbound streams named
// in the external-interfaces contract: trades, backdated-trades,
// trade-applied-events, provisional-trade-events,
// historical-position-corrected-events, regulatory-submissions, and DLQ.
package bus

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"

	"github.com/chidi150c/positionengine/internal/errs"
)

// Publisher publishes a payload to a subject. Implementations must treat
// publish failures as best-effort for outbound streams per the failure
// semantics (never roll back a committed transaction).
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// Handler processes one inbound message; returning an error leaves the
// message unacked so JetStream redelivers it (at-least-once).
type Handler func(ctx context.Context, data []byte) error

// NATS is a thin Publisher/Consumer wrapper over a JetStream context.
type NATS struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// Connect dials url and obtains a JetStream context.
func Connect(url string) (*NATS, error) {
	nc, err := nats.Connect(url, nats.Name("positionengine"))
	if err != nil {
		return nil, errs.Wrap(errs.KindDownstreamUnavail, "connect nats", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, errs.Wrap(errs.KindDownstreamUnavail, "jetstream context", err)
	}
	return &NATS{nc: nc, js: js}, nil
}

func (n *NATS) Close() {
	if n.nc != nil {
		n.nc.Close()
	}
}

// Publish marshals v as JSON and publishes it to subject. Best-effort by
// design: callers for regulatory/provisional/applied streams must not
// treat a publish error as fatal to the already-committed transaction.
func (n *NATS) Publish(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errs.Wrap(errs.KindSerialization, "marshal outbound message", err)
	}
	if _, err := n.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return errs.Wrap(errs.KindDownstreamUnavail, "publish "+subject, err)
	}
	return nil
}

// Subscribe creates a durable pull consumer on subject and
// invokes handler for each message, acking on success and nak-ing
// (triggering redelivery) on error.
func (n *NATS) Subscribe(ctx context.Context, subject, durable string, handler Handler) (func(), error) {
	sub, err := n.js.PullSubscribe(subject, durable, nats.ManualAck())
	if err != nil {
		return nil, errs.Wrap(errs.KindDownstreamUnavail, "pull subscribe "+subject, err)
	}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ctx.Done():
				close(done)
				return
			default:
			}
			msgs, err := sub.Fetch(1, nats.MaxWait(1e9))
			if err != nil {
				continue
			}
			for _, msg := range msgs {
				if err := handler(ctx, msg.Data); err != nil {
					_ = msg.Nak()
					continue
				}
				_ = msg.Ack()
			}
		}
	}()
	stop := func() {
		_ = sub.Unsubscribe()
		<-done
	}
	return stop, nil
}

// NullPublisher discards every publish; used in tests that don't care
// about the outbound-stream side effects of a hotpath/coldpath operation.
type NullPublisher struct{}

func (NullPublisher) Publish(context.Context, string, any) error { return nil }

// RecordingPublisher captures every publish call for assertions in tests.
type RecordingPublisher struct {
	Published []Recorded
}

type Recorded struct {
	Subject string
	Value   any
}

func (p *RecordingPublisher) Publish(_ context.Context, subject string, v any) error {
	p.Published = append(p.Published, Recorded{Subject: subject, Value: v})
	return nil
}
