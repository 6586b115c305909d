package gateway

import (
	"context"
	"sync/atomic"
	"time"

	"assistantgw/internal/transport"
)

const typingHeartbeat = 4 * time.Second

// startTyping sends an initial typing=on and repeats it every
// typingHeartbeat until the returned stop func is called, which sends a
// final typing=off (spec.md §4.2 "typing indicator").
func startTyping(ctx context.Context, channel transport.Channel, recipientID string) func() {
	done := make(chan struct{})

	go func() {
		_ = channel.SendTyping(ctx, recipientID, true)
		ticker := time.NewTicker(typingHeartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				_ = channel.SendTyping(ctx, recipientID, false)
				return
			case <-ticker.C:
				_ = channel.SendTyping(ctx, recipientID, true)
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() { close(done) }
}

const interruptPollInterval = 50 * time.Millisecond

// watchInterrupt closes fire the first time seq diverges from baseline
// (a newer event was dispatched onto this lane while in Interrupt mode),
// or returns without firing once stop is closed.
func watchInterrupt(seq *uint64, baseline uint64, fire chan<- struct{}, stop <-chan struct{}) {
	ticker := time.NewTicker(interruptPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if atomic.LoadUint64(seq) != baseline {
				close(fire)
				return
			}
		}
	}
}
