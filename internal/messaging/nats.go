package messaging

import (
	"context"
	"strings"
	"time"

	"github.com/atvirokodosprendimai/knitgrid/internal/ctxlog"
	"github.com/nats-io/nats.go"
)

const (
	// SubjectAgentEvents is the subject agents publish their reports on.
	SubjectAgentEvents = "knit.agent.events"
)

// Event names carried by Event.Type.
const (
	EventNodeInfo      = "node:info"
	EventInstanceInfo  = "instance:info"
	EventInstanceEvent = "instance:event"
)

// SubjectAgentRPC returns the node-specific subject the agent answers
// RPC requests on.
func SubjectAgentRPC(nodeID string) string {
	return "knit.agent." + strings.ReplaceAll(nodeID, " ", "") + ".rpc"
}

// Connect establishes a connection to a NATS server.
func Connect(natsURL string, opts ...nats.Option) (*nats.Conn, error) {
	opts = append([]nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}, opts...)
	nc, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, err
	}
	ctxlog.FromContext(context.Background()).WithField("URL", natsURL).Info("connected to NATS server")
	return nc, nil
}
