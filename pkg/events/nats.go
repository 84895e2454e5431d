package events

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// DefaultSubjectPrefix is prepended to the event kind to form the NATS subject.
const DefaultSubjectPrefix = "perpvault.events."

// NATSPublisher broadcasts events on NATS subjects named after their kind.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSPublisher publishes on conn. An empty prefix selects DefaultSubjectPrefix.
func NewNATSPublisher(conn *nats.Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{conn: conn, prefix: prefix}
}

// ConnectNATS dials url and returns a publisher owning the connection.
func ConnectNATS(url, prefix string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url, nats.Name("perpvault"))
	if err != nil {
		return nil, errors.Wrapf(err, "connect nats %s", url)
	}
	return NewNATSPublisher(conn, prefix), nil
}

// Subject returns the subject an event of kind is published on.
func (p *NATSPublisher) Subject(kind Kind) string {
	return p.prefix + string(kind)
}

func (p *NATSPublisher) Publish(ctx context.Context, events []Event) error {
	for _, e := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := json.Marshal(e)
		if err != nil {
			return errors.Wrap(err, "marshal event")
		}
		if err := p.conn.Publish(p.Subject(e.Kind), data); err != nil {
			return errors.Wrapf(err, "publish %s", e.Kind)
		}
	}
	return nil
}

// Close drains the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
