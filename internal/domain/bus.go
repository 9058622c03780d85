package domain

// MessageBus carries inbound messages from the transport poller to the
// pipeline workers.
type MessageBus interface {
	Publish(msg InboundMessage)
	Subscribe() <-chan InboundMessage
	Depth() int
	Close()
}
