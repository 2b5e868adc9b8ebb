package offline0

import (
	"context"
	"encoding/json"
	"log"

	"github.com/nats-io/nats.go"
)

// Notifier delivers worker→page messages. Implementations must not block
// the caller for long.
type Notifier interface {
	Notify(ctx context.Context, msg Message)
}

type multiNotifier []Notifier

func (m multiNotifier) Notify(ctx context.Context, msg Message) {
	for _, n := range m {
		n.Notify(ctx, msg)
	}
}

// natsNotifier republishes every message on a NATS subject so other
// services (mailers, dashboards) can follow queue activity.
type natsNotifier struct {
	nc      *nats.Conn
	subject string
}

func newNATSNotifier(url, subject string) (*natsNotifier, error) {
	nc, err := nats.Connect(url, nats.Name("offline0"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, err
	}
	return &natsNotifier{nc: nc, subject: subject}, nil
}

func (n *natsNotifier) Notify(_ context.Context, msg Message) {
	b, err := json.Marshal(msg)
	if err != nil {
		log.Printf("nats: encode %s: %v", msg.Type, err)
		return
	}
	if err := n.nc.Publish(n.subject+"."+msg.Type, b); err != nil {
		log.Printf("nats: publish %s: %v", msg.Type, err)
	}
}

func (n *natsNotifier) Close() {
	_ = n.nc.Drain()
}
