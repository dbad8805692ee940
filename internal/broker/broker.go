// Package broker relays frames between session-layer instances so a user
// connected to one instance still receives events raised on another.
package broker

import "context"

// Envelope is one frame addressed to every connection of a user.
type Envelope struct {
	Origin string `cbor:"1,keyasint"`
	UserID string `cbor:"2,keyasint"`
	Frame  []byte `cbor:"3,keyasint"`
}

// Broker is the cross-instance publish/subscribe bus. Implementations wrap
// transport failures with domain.Degraded.
type Broker interface {
	// Publish sends env to every instance bound to env.UserID.
	Publish(ctx context.Context, env Envelope) error
	// Bind starts routing envelopes for userID to this instance.
	Bind(userID string) error
	// Unbind stops routing envelopes for userID to this instance.
	Unbind(userID string) error
	// Subscribe delivers envelopes routed to this instance to handle until
	// ctx is done. It returns once delivery is set up.
	Subscribe(ctx context.Context, handle func(Envelope)) error
	Close() error
}

func routingKey(userID string) string {
	return "user." + userID
}
