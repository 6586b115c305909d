package gateway

import (
	"strings"

	"assistantgw/internal/config"
	"assistantgw/internal/transport"
)

// applyOverlapPolicy implements spec.md §4.2's four overlap policies over
// one debounced Message batch (len(batch) >= 1). It returns the single
// event to hand to handleInbound and an optional tag describing what
// happened to the rest of the batch, appending any requeued leftovers to
// *pushback (Followup mode only).
func applyOverlapPolicy(mode config.QueueMode, batch []transport.InboundEvent, pushback *[]transport.InboundEvent) (transport.InboundEvent, string) {
	if len(batch) == 1 {
		return batch[0], ""
	}

	switch mode {
	case config.QueueFollowup:
		*pushback = append(*pushback, batch[1:]...)
		return batch[0], ""

	case config.QueueCollect:
		merged := batch[len(batch)-1]
		parts := make([]string, len(batch))
		for i, e := range batch {
			parts[i] = strings.TrimSpace(e.Content)
		}
		merged.Content = strings.Join(parts, "\n")
		merged.Metadata = withMetadata(merged.Metadata, "queue_collected_messages", len(batch))
		return merged, "queue_collected_messages"

	case config.QueueSteer, config.QueueInterrupt:
		merged := batch[len(batch)-1]
		merged.Metadata = withMetadata(merged.Metadata, "queue_dropped_messages", len(batch)-1)
		return merged, "queue_dropped_messages"

	default:
		return batch[0], ""
	}
}

// withMetadata sets key on m, allocating m if it was nil, so the resolved
// event's count is readable by downstream consumers (spec.md §4.2's
// queue_collected_messages/queue_dropped_messages metadata).
func withMetadata(m map[string]any, key string, value int) map[string]any {
	if m == nil {
		m = make(map[string]any, 1)
	}
	m[key] = value
	return m
}
