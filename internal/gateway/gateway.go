// Package gateway implements the inbound session multiplexer of spec.md
// §4.2: one FIFO lane per (channel_id, sender_id), debounced Message
// batching under a configurable overlap policy, a process-wide
// max_concurrency worker budget, and out-of-band approval command
// interception ahead of the lane. Grounded in the teacher's
// pkg/gateway/manager.go registry/dispatch shape and
// pkg/channels/telegram/telegram_channel.go's mediaGroupBuffer
// timer-reset debounce.
package gateway

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"assistantgw/internal/approval"
	"assistantgw/internal/assistant"
	"assistantgw/internal/config"
	"assistantgw/internal/pairing"
	"assistantgw/internal/session"
	"assistantgw/internal/store"
	"assistantgw/internal/transport"
)

// AssistantRunner is the one method of *assistant.Loop the gateway calls,
// kept as an interface so tests can substitute a fake.
type AssistantRunner interface {
	Run(ctx context.Context, req assistant.Request, userContent string) (assistant.Result, error)
}

// lane is the per-(channel, sender) FIFO worker: ch is what Dispatch feeds,
// pushback is a worker-private requeue slice used by Followup mode, and
// interruptSeq is bumped on every dispatch while in Interrupt mode so the
// running turn can notice a newer event arrived.
type lane struct {
	key          session.Key
	ch           chan transport.InboundEvent
	pushback     []transport.InboundEvent
	interruptSeq uint64
}

const (
	defaultMaxConcurrency = 8
	defaultLaneBuffer     = 64
)

// Multiplexer owns the lane map, the transport registry, and every
// collaborator the assistant loop needs per turn.
type Multiplexer struct {
	Queue     config.QueueConfig
	Channels  map[string]transport.Channel
	Sessions  *session.Manager
	Approval  *approval.Gate
	Pairing   *pairing.Runtime
	Assistant AssistantRunner

	OrgID, ProjectID string

	ctx   context.Context
	mu    sync.Mutex
	lanes map[session.Key]*lane
	sem   chan struct{}
}

// NewMultiplexer constructs a Multiplexer ready for Start.
func NewMultiplexer(cfg config.QueueConfig, channels map[string]transport.Channel, sessions *session.Manager, gate *approval.Gate, pairingRT *pairing.Runtime, runner AssistantRunner, orgID, projectID string) *Multiplexer {
	maxConcurrency := cfg.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = defaultMaxConcurrency
	}
	return &Multiplexer{
		Queue:     cfg,
		Channels:  channels,
		Sessions:  sessions,
		Approval:  gate,
		Pairing:   pairingRT,
		Assistant: runner,
		OrgID:     orgID,
		ProjectID: projectID,
		lanes:     make(map[session.Key]*lane),
		sem:       make(chan struct{}, maxConcurrency),
	}
}

// Start records the context every lane worker and in-flight turn will
// observe for cancellation; it does not block.
func (m *Multiplexer) Start(ctx context.Context) {
	m.ctx = ctx
}

// Dispatch is step 1 of spec.md §4.2: intercept out-of-band approval
// decisions ahead of the lane, otherwise enqueue onto the target lane's
// FIFO (bumping the Interrupt-mode sequence counter first).
func (m *Multiplexer) Dispatch(ctx context.Context, ev transport.InboundEvent) {
	if ev.Kind == transport.KindMessage {
		if approve, id, reason, ok := parseApprovalCommand(ev.Content); ok {
			m.resolveApprovalCommand(ctx, ev, approve, id, reason)
			return
		}
	}

	l := m.laneFor(ev.ChannelID, ev.SenderID)
	if m.Queue.Mode == config.QueueInterrupt {
		atomic.AddUint64(&l.interruptSeq, 1)
	}

	select {
	case l.ch <- ev:
	default:
		slog.Warn("gateway: lane buffer full, dropping inbound event", "channel", ev.ChannelID, "sender", ev.SenderID)
	}
}

func (m *Multiplexer) laneFor(channelID, senderID string) *lane {
	key := session.Key{ChannelID: channelID, SenderID: senderID}

	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.lanes[key]; ok {
		return l
	}

	buf := m.Queue.LaneBuffer
	if buf <= 0 {
		buf = defaultLaneBuffer
	}
	l := &lane{key: key, ch: make(chan transport.InboundEvent, buf)}
	m.lanes[key] = l
	go m.runLane(l)
	return l
}

// runLane is one lane's single worker goroutine: pop pushback first, else
// block on the channel; debounce-collect a Message batch, apply the
// overlap policy, then run one resolved event through handleInbound under
// the worker-budget semaphore.
func (m *Multiplexer) runLane(l *lane) {
	ctx := m.ctx

	for {
		var ev transport.InboundEvent
		if len(l.pushback) > 0 {
			ev = l.pushback[0]
			l.pushback = l.pushback[1:]
		} else {
			select {
			case e, ok := <-l.ch:
				if !ok {
					return
				}
				ev = e
			case <-ctx.Done():
				return
			}
		}

		if ev.Kind == transport.KindReaction {
			m.handleReaction(ctx, ev)
			continue
		}

		batch := []transport.InboundEvent{ev}
		if debounce := time.Duration(m.Queue.DebounceMs) * time.Millisecond; debounce > 0 {
			batch = m.drainDebounce(ctx, l, batch, debounce)
		}

		resolved, tag := applyOverlapPolicy(m.Queue.Mode, batch, &l.pushback)
		baselineSeq := atomic.LoadUint64(&l.interruptSeq)

		if !m.acquireSlot(ctx) {
			return
		}
		m.handleInbound(ctx, resolved, tag, l, baselineSeq)
		m.releaseSlot()
	}
}

// drainDebounce implements the teacher's media-group timer-reset pattern:
// every further Message arriving within debounce resets the window: a
// non-Message event breaks the window immediately and is requeued for the
// lane's next iteration (spec.md §4.2: debounce/merge applies to Message
// kinds only).
func (m *Multiplexer) drainDebounce(ctx context.Context, l *lane, batch []transport.InboundEvent, debounce time.Duration) []transport.InboundEvent {
	timer := time.NewTimer(debounce)
	defer timer.Stop()

	for {
		select {
		case next, ok := <-l.ch:
			if !ok {
				return batch
			}
			if next.Kind != transport.KindMessage {
				l.pushback = append(l.pushback, next)
				return batch
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(debounce)
			batch = append(batch, next)
		case <-timer.C:
			return batch
		case <-ctx.Done():
			return batch
		}
	}
}

func (m *Multiplexer) acquireSlot(ctx context.Context) bool {
	select {
	case m.sem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Multiplexer) releaseSlot() {
	<-m.sem
}

func (m *Multiplexer) reply(ctx context.Context, ev transport.InboundEvent, text string) {
	ch := m.Channels[ev.ChannelID]
	if ch == nil {
		slog.Warn("gateway: no channel registered, dropping reply", "channel", ev.ChannelID)
		return
	}
	if err := ch.Send(ctx, ev.SenderID, transport.OutboundMessage{Content: text, ReplyToMessageID: ev.MessageID}); err != nil {
		slog.Warn("gateway: failed to send reply", "channel", ev.ChannelID, "sender", ev.SenderID, "error", err)
	}
}

func backoffNotifier(ch transport.Channel, recipientID string) store.BackoffNotifier {
	if ch == nil {
		return nil
	}
	return transport.Notifier{Channel: ch, RecipientID: recipientID}
}
