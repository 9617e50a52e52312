package transport

import (
	"context"
	"encoding/json"
)

// Envelope carries one frame to the process that owns ConnID.
type Envelope struct {
	ServerID string          `json:"serverId"`
	ConnID   string          `json:"connId"`
	Frame    json.RawMessage `json:"frame"`
}

// Bus moves envelopes between signaling processes.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe returns envelopes for serverID once the subscription is
	// live. The channel closes when ctx is done.
	Subscribe(ctx context.Context, serverID string) (<-chan Envelope, error)
	Close() error
}
