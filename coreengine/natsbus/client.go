package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/observability"
)

// Logger is the key/value logger used for connection state changes.
type Logger interface {
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
}

// Client is a NATS connection publishing and consuming kernel records.
type Client struct {
	conn *nats.Conn
}

// Connect dials url. Reconnects are unbounded; state changes are logged.
func Connect(url, name string, logger Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	if logger != nil {
		opts = append(opts,
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					logger.Warn("nats_disconnected", "error", err.Error())
				}
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
			}),
		)
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Connected reports whether the connection is currently up.
func (c *Client) Connected() bool {
	return c.conn.IsConnected()
}

// PublishRecord publishes rec on its entity subject, and on SubjectAlerts
// when it is an alert.
func (c *Client) PublishRecord(rec observability.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := c.conn.Publish(SubjectFor(rec.EntityType), data); err != nil {
		return fmt.Errorf("publish %s: %w", rec.EventType, err)
	}
	if rec.IsAlert() {
		if err := c.conn.Publish(SubjectAlerts, data); err != nil {
			return fmt.Errorf("publish alert %s: %w", rec.EventType, err)
		}
	}
	return nil
}

// SubscribeRecords decodes records arriving on subject. Undecodable
// messages are skipped.
func (c *Client) SubscribeRecords(subject string, fn func(observability.Record)) (*nats.Subscription, error) {
	return c.conn.Subscribe(subject, func(msg *nats.Msg) {
		var rec observability.Record
		if err := json.Unmarshal(msg.Data, &rec); err != nil {
			return
		}
		fn(rec)
	})
}

// EnsureStream creates or updates a JetStream stream retaining every record
// subject for maxAge (zero keeps records until limits are hit).
func (c *Client) EnsureStream(ctx context.Context, name string, maxAge time.Duration) (jetstream.Stream, error) {
	js, err := jetstream.New(c.conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     name,
		Subjects: []string{SubjectEventsAll, SubjectAlerts},
		Storage:  jetstream.FileStorage,
		MaxAge:   maxAge,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", name, err)
	}
	return stream, nil
}

// Flush round-trips to the server so prior publishes are processed.
func (c *Client) Flush() error {
	return c.conn.Flush()
}

// Close closes the connection.
func (c *Client) Close() {
	c.conn.Close()
}

// Sink is an observability sink publishing to NATS.
type Sink struct {
	client *Client
}

// NewSink creates a sink over client.
func NewSink(client *Client) *Sink {
	return &Sink{client: client}
}

func (s *Sink) Name() string { return "nats" }

func (s *Sink) Deliver(_ context.Context, rec observability.Record) error {
	return s.client.PublishRecord(rec)
}

var _ observability.Sink = (*Sink)(nil)
