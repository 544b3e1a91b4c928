package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spk364/procomp/internal/logging"
	"github.com/spk364/procomp/internal/pubsub"
)

// busEnvelope wraps every frame published to the Pub/Sub Bus with the
// publish timestamp, letting the Broadcast Dispatcher compute the
// publish->local-deliver latency named in spec.md §4.8 without a
// separate side channel.
type busEnvelope struct {
	PublishedAt time.Time       `json:"publishedAt"`
	Payload     json.RawMessage `json:"payload"`
}

// startChannelPump opens one Pub/Sub subscription for channel and spawns
// the Broadcast Dispatcher loop described in spec.md §4.7: consume frames
// from the Bus and fan them out to local Connections on that channel.
// Grounded on the teacher's publishWorldSnapshot fan-out loop, generalized
// from a single global broadcast to one goroutine per active channel.
func (h *Hub) startChannelPump(channel string) {
	h.mu.Lock()
	if _, exists := h.cancels[channel]; exists {
		h.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancels[channel] = cancel
	h.mu.Unlock()

	sub, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.log.Error("failed to subscribe to channel", logging.String("channel", channel), logging.Error(err))
		cancel()
		h.mu.Lock()
		delete(h.cancels, channel)
		h.mu.Unlock()
		return
	}

	// stopChannelPump cancels ctx; closing sub then ends pumpChannel.
	go func() {
		<-ctx.Done()
		_ = sub.Close()
	}()
	go h.pumpChannel(channel, sub)
}

// pumpChannel runs until sub's delivery channel closes (on Close or Bus
// shutdown). Each message is unwrapped from its busEnvelope, its latency
// recorded, and the inner frame delivered to every local subscriber.
func (h *Hub) pumpChannel(channel string, sub pubsub.Subscription) {
	defer func() { _ = sub.Close() }()
	for msg := range sub.Messages() {
		var envelope busEnvelope
		if err := json.Unmarshal(msg.Payload, &envelope); err != nil {
			h.log.Warn("dropping malformed bus message", logging.String("channel", channel), logging.Error(err))
			continue
		}
		if h.metrics != nil {
			h.metrics.ObserveBroadcastLatency(time.Since(envelope.PublishedAt))
			h.metrics.SetPubsubBacklog(h.bus.Backlog())
		}
		delivered := h.deliverLocal(channel, envelope.Payload)
		if h.metrics != nil && delivered > 0 {
			h.metrics.MessageBroadcast()
		}
	}
}

func (h *Hub) stopChannelPump(channel string) {
	h.mu.Lock()
	cancel, ok := h.cancels[channel]
	if ok {
		delete(h.cancels, channel)
	}
	h.mu.Unlock()
	if ok {
		cancel()
	}
}
