package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"assistantgw/internal/assistant"
	"assistantgw/internal/config"
	"assistantgw/internal/pairing"
	"assistantgw/internal/session"
	"assistantgw/internal/transport"
)

const helpText = `Commands:
/approve, /approve-action <id> - approve the latest (or a specific) pending action
/deny [reason], /deny-action <id> [reason] - deny the latest (or a specific) pending action
/nuke - reset this conversation: clears history and denies pending actions
/status - show this conversation's queue mode and history size
/help - show this message`

// handleInbound is step 4 of spec.md §4.2: gate on pairing admission, then
// either run a command, run the assistant, or forward a reaction (reactions
// are handled earlier in runLane, before debounce).
func (m *Multiplexer) handleInbound(ctx context.Context, ev transport.InboundEvent, tag string, l *lane, baselineSeq uint64) {
	if m.Pairing != nil {
		decision := m.Pairing.EvaluateSender(ev.ChannelID, ev.SenderID)
		if !decision.Allowed {
			m.reply(ctx, ev, pairingDenialMessage(decision))
			return
		}
	}

	content := strings.TrimSpace(ev.Content)
	if strings.HasPrefix(content, "/") {
		switch content {
		case "/nuke":
			m.handleNuke(ctx, ev, l)
			return
		case "/help":
			m.reply(ctx, ev, helpText)
			return
		case "/status":
			m.reply(ctx, ev, m.statusText(ev))
			return
		default:
			m.reply(ctx, ev, fmt.Sprintf("Unknown command %q. Try /help.", content))
			return
		}
	}

	m.runAssistant(ctx, ev, content, l, baselineSeq, tag)
}

// handleNuke implements spec.md §4.2's /nuke semantics: delete the
// session, deny every Proposed proposal for this lane, purge the lane's
// backlog, and report the three counts.
func (m *Multiplexer) handleNuke(ctx context.Context, ev transport.InboundEvent, l *lane) {
	key := session.Key{ChannelID: ev.ChannelID, SenderID: ev.SenderID}
	sessionRemoved := m.Sessions.Delete(key) == nil

	denied, err := m.Approval.DenyAllForLane(ctx, ev.ChannelID, ev.SenderID, "nuked by user command")
	if err != nil {
		slog.Warn("gateway: nuke failed to deny pending actions", "channel", ev.ChannelID, "sender", ev.SenderID, "error", err)
	}

	purged := len(l.ch) + len(l.pushback)
	for len(l.ch) > 0 {
		<-l.ch
	}
	l.pushback = nil

	m.reply(ctx, ev, fmt.Sprintf(
		"Conversation reset.\nsession_removed=%v\npending_actions_denied=%d\nlane_backlog_purged=%d",
		sessionRemoved, denied, purged,
	))
}

func (m *Multiplexer) statusText(ev transport.InboundEvent) string {
	sess := m.Sessions.GetOrCreate(session.Key{ChannelID: ev.ChannelID, SenderID: ev.SenderID})
	history := sess.Snapshot()
	return fmt.Sprintf("queue_mode=%s\nhistory_messages=%d", m.Queue.Mode, len(history))
}

func pairingDenialMessage(decision pairing.Decision) string {
	switch decision.Reason {
	case pairing.ReasonPendingCreated:
		return fmt.Sprintf("This conversation needs operator approval. Share this code with your operator: %s", decision.Request.Code)
	case pairing.ReasonPendingRequired:
		return fmt.Sprintf("Still waiting on operator approval (code %s).", decision.Request.Code)
	case pairing.ReasonPendingCapReached:
		return "Too many pending approval requests for this channel right now. Please try again later."
	default:
		return "This conversation is not authorized to use this channel."
	}
}

// runAssistant invokes the assistant loop for one resolved event, wiring
// up streaming-delta forwarding, a typing-indicator heartbeat, and
// Interrupt-mode cancellation (spec.md §4.2/§4.3).
func (m *Multiplexer) runAssistant(ctx context.Context, ev transport.InboundEvent, content string, l *lane, baselineSeq uint64, tag string) {
	sess := m.Sessions.GetOrCreate(session.Key{ChannelID: ev.ChannelID, SenderID: ev.SenderID})
	channel := m.Channels[ev.ChannelID]

	var deltaSink chan string
	var forwardDone chan struct{}
	if channel != nil && channel.SupportsStreamingDeltas() {
		deltaSink = make(chan string, 16)
		forwardDone = make(chan struct{})
		go func() {
			defer close(forwardDone)
			for d := range deltaSink {
				if err := channel.SendDelta(ctx, ev.SenderID, d); err != nil {
					slog.Warn("gateway: failed to forward delta", "channel", ev.ChannelID, "error", err)
				}
			}
		}()
	}

	var stopTyping func()
	if channel != nil && channel.SupportsTypingEvents() {
		stopTyping = startTyping(ctx, channel, ev.SenderID)
	}

	var interruptCh chan struct{}
	var stopWatch chan struct{}
	if m.Queue.Mode == config.QueueInterrupt {
		interruptCh = make(chan struct{})
		stopWatch = make(chan struct{})
		go watchInterrupt(&l.interruptSeq, baselineSeq, interruptCh, stopWatch)
	}

	req := assistant.Request{
		OrgID:           m.OrgID,
		ProjectID:       m.ProjectID,
		ChannelID:       ev.ChannelID,
		SenderID:        ev.SenderID,
		ThreadID:        ev.ThreadID,
		MessageID:       ev.MessageID,
		Session:         sess,
		PromptChannel:   channel,
		PromptRecipient: ev.SenderID,
		Interrupt:       interruptCh,
		BackoffNotifier: backoffNotifier(channel, ev.SenderID),
	}
	if deltaSink != nil {
		req.DeltaSink = deltaSink
	}

	result, err := m.Assistant.Run(ctx, req, content)

	if deltaSink != nil {
		close(deltaSink)
		<-forwardDone
	}
	if stopWatch != nil {
		close(stopWatch)
	}
	if stopTyping != nil {
		stopTyping()
	}

	if err != nil {
		slog.Error("gateway: assistant run failed", "channel", ev.ChannelID, "sender", ev.SenderID, "error", err)
		m.reply(ctx, ev, "Something went wrong processing that; please try again.")
		return
	}

	if result.Interrupted {
		slog.Info("gateway: turn interrupted by a newer event", "channel", ev.ChannelID, "sender", ev.SenderID)
		return
	}

	if channel != nil && deltaSink == nil {
		if err := channel.Send(ctx, ev.SenderID, transport.OutboundMessage{Content: result.Content, ReplyToMessageID: ev.MessageID}); err != nil {
			slog.Warn("gateway: failed to send assistant reply", "channel", ev.ChannelID, "error", err)
		}
	}

	if tag != "" {
		slog.Info("gateway: overlap policy applied", "tag", tag, "channel", ev.ChannelID, "sender", ev.SenderID)
	}

	if err := m.Sessions.Persist(sess); err != nil {
		slog.Warn("gateway: failed to persist session", "channel", ev.ChannelID, "sender", ev.SenderID, "error", err)
	}
}
