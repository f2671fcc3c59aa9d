package relay

// Relay routes ephemeral events to live connections with at-most-once,
// best-effort delivery. It never touches durable state; persistence is a
// separate step the caller performs regardless of relay outcome.
type Relay struct {
	registry *Registry
}

func New(registry *Registry) *Relay {
	return &Relay{registry: registry}
}

// DeliverIfOnline pushes the event to the recipient's connection when
// one is registered and silently drops it otherwise. No queue, no retry,
// no error back to the sender: an offline recipient is a normal outcome,
// not a failure.
func (r *Relay) DeliverIfOnline(recipientID string, ev Event) bool {
	c, ok := r.registry.Lookup(recipientID)
	if !ok {
		return false
	}
	return c.Enqueue(ev)
}
