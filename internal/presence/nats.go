package presence

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
)

const ChatMessagesSubject = "chat.messages"

// NATSBus carries chat events over a NATS subject instead of Redis pub/sub.
type NATSBus struct {
	conn    *nats.Conn
	subject string
}

func ConnectNATS(url, name string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, unavailable("nats connect", err)
	}
	return conn, nil
}

func NewNATSBus(conn *nats.Conn, subject string) *NATSBus {
	if subject == "" {
		subject = ChatMessagesSubject
	}
	return &NATSBus{conn: conn, subject: subject}
}

func (b *NATSBus) Publish(_ context.Context, payload []byte) error {
	if err := b.conn.Publish(b.subject, payload); err != nil {
		return unavailable("nats publish", err)
	}
	return nil
}

func (b *NATSBus) Subscribe(ctx context.Context) (<-chan []byte, error) {
	in := make(chan *nats.Msg, 64)
	sub, err := b.conn.ChanSubscribe(b.subject, in)
	if err != nil {
		return nil, unavailable("nats subscribe", err)
	}
	// Flush round-trips to the server so the interest is registered before
	// the caller starts publishing.
	if err := b.conn.Flush(); err != nil {
		sub.Unsubscribe()
		return nil, unavailable("nats flush", err)
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-in:
				select {
				case out <- msg.Data:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close drains the connection so in-flight publishes are delivered.
func (b *NATSBus) Close() error {
	return b.conn.Drain()
}
