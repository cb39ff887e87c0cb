package streaming

import "context"

// Fanout delivers each event to every wrapped publisher. Errors from one
// sink do not stop delivery to the others; the first error is returned.
type Fanout struct {
	publishers []Publisher
}

func NewFanout(publishers ...Publisher) *Fanout {
	return &Fanout{publishers: publishers}
}

func (f *Fanout) Publish(ctx context.Context, topic string, payload interface{}) error {
	var first error
	for _, p := range f.publishers {
		if err := p.Publish(ctx, topic, payload); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (f *Fanout) Close() error {
	var first error
	for _, p := range f.publishers {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
