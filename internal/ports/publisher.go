package ports

import "context"

// Publisher delivers enrollment events to a topic. Delivery is best effort:
// a failed publish never undoes a committed enrollment.
type Publisher interface {
	PublishRaw(ctx context.Context, topic string, payload []byte) error
}
