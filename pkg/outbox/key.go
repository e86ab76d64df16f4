package outbox

// Key identifies one outbox processor: a topic routed to one of its
// publishers.
type Key struct {
	Topic     string
	Publisher string
}

func (k Key) String() string {
	return k.Topic + "/" + k.Publisher
}
