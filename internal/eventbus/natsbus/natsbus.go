// Package natsbus publishes payment lifecycle notices over NATS.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/veloraapp/payledger/pkg/webhook"
)

const subjectPrefix = "payledger.payments."

// Publisher implements webhook.Publisher on a NATS connection. Notices go
// out on payledger.payments.<kind>.
type Publisher struct {
	conn *nats.Conn
}

// Connect dials NATS and returns a Publisher.
func Connect(url string) (*Publisher, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Publisher{conn: conn}, nil
}

// New wraps an existing connection.
func New(conn *nats.Conn) *Publisher {
	return &Publisher{conn: conn}
}

// PublishPaymentNotice implements webhook.Publisher.
func (publisher *Publisher) PublishPaymentNotice(_ context.Context, notice webhook.Notice) error {
	payload, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("marshal payment notice: %w", err)
	}
	if err := publisher.conn.Publish(subjectPrefix+string(notice.Kind), payload); err != nil {
		return fmt.Errorf("publish payment notice: %w", err)
	}
	return nil
}

// Close drains the connection.
func (publisher *Publisher) Close() {
	if publisher.conn != nil {
		publisher.conn.Close()
	}
}
