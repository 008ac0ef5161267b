package chat

import (
	"context"

	"github.com/pairchat/pairchat/internal/bus"
)

// ErrorFeed surfaces user-visible failure messages from every
// component over one channel, so a front end has a single place to
// watch.
type ErrorFeed struct {
	ch     <-chan bus.Event
	cancel func()
}

func NewErrorFeed(b *bus.Bus) *ErrorFeed {
	ch, cancel := b.Subscribe("error.", 64)
	return &ErrorFeed{ch: ch, cancel: cancel}
}

// Next blocks for the next error message or until ctx is done.
func (f *ErrorFeed) Next(ctx context.Context) (string, error) {
	select {
	case evt := <-f.ch:
		msg, _ := evt.Payload.(string)
		return msg, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Chan exposes the raw event channel for select loops.
func (f *ErrorFeed) Chan() <-chan bus.Event {
	return f.ch
}

func (f *ErrorFeed) Close() {
	f.cancel()
}
