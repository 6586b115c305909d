// Command gatewayd is the multi-channel assistant gateway process: it
// loads configuration, wires every collaborator package together, starts
// the configured transports, and pumps their inbound events through the
// gateway multiplexer until told to stop.
//
// Grounded in the teacher's root main.go: an outer retry/reload loop
// around a runGateway lifecycle function, signal.NotifyContext for
// graceful shutdown, and fsnotify-driven config reload triggering a full
// rebuild of the config-dependent components.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"

	_ "assistantgw/internal/transport/webchat" // registers the "webchat" channel factory

	"assistantgw/internal/approval"
	"assistantgw/internal/assistant"
	"assistantgw/internal/automation"
	"assistantgw/internal/config"
	"assistantgw/internal/gateway"
	"assistantgw/internal/llm"
	"assistantgw/internal/memory"
	"assistantgw/internal/observability"
	"assistantgw/internal/pairing"
	"assistantgw/internal/session"
	"assistantgw/internal/skills"
	"assistantgw/internal/store"
	"assistantgw/internal/tool"
	"assistantgw/internal/transport"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func main() {
	configPath := flag.String("config", "config.json", "path to config.json")
	dataDir := flag.String("data-dir", "data", "directory for session and project state")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg, err := config.Load(*configPath); err == nil {
		observability.Setup(cfg.LogLevel)
	} else {
		observability.Setup("info")
	}

	dbPath := filepath.Join(*dataDir, "gateway.db")
	st, err := store.Open(ctx, "default", "default", dbPath)
	if err != nil {
		slog.Error("gatewayd: failed to open store", "error", err)
		return
	}
	defer st.Close()

	reloadCh := config.Watch(ctx, *configPath)

	for {
		err := runGateway(ctx, *configPath, *dataDir, st, reloadCh)
		if err != nil {
			slog.Error("gatewayd: run failed", "error", err)
			slog.Info("gatewayd: retrying in 5s")
			select {
			case <-ctx.Done():
				return
			case <-reloadCh:
				slog.Info("gatewayd: config changed while waiting, retrying immediately")
			case <-time.After(5 * time.Second):
			}
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("gatewayd: shutdown complete")
			return
		default:
			slog.Info("gatewayd: reloading configuration")
		}
	}
}

// runGateway builds one generation of every config-dependent component,
// starts the configured transports, and blocks until ctx is canceled or a
// config change is observed, at which point it tears everything in this
// generation down and returns nil so the outer loop rebuilds it.
func runGateway(ctx context.Context, configPath, dataDir string, st *store.Store, reloadCh <-chan struct{}) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("gatewayd: load config: %w", err)
	}
	observability.Setup(cfg.LogLevel)

	genCtx, cancelGen := context.WithCancel(ctx)
	defer cancelGen()

	sessions := session.NewManager(filepath.Join(dataDir, "sessions"))

	gate := approval.NewGate(st, approval.Config{
		ShellApproval:               cfg.Security.ShellApproval,
		BrowserApproval:             cfg.Security.BrowserApproval,
		FilesystemWriteApproval:     cfg.Security.FilesystemWriteApproval,
		HumanApprovalTimeoutSeconds: cfg.Security.HumanApprovalTimeoutSeconds,
	})

	pairingRT := pairing.NewRuntime()
	channels := make(map[string]transport.Channel, len(cfg.Channels))
	for name, raw := range cfg.Channels {
		var cc channelConfig
		if err := json.Unmarshal(raw, &cc); err != nil {
			slog.Warn("gatewayd: could not parse channel config, skipping", "channel", name, "error", err)
			continue
		}
		pairingRT.Configure(name, cc.pairingPolicy())

		var raw2 map[string]any
		if err := json.Unmarshal(raw, &raw2); err != nil {
			raw2 = map[string]any{}
		}
		ch, err := transport.New(name, raw2)
		if err != nil {
			slog.Warn("gatewayd: could not build channel, skipping", "channel", name, "error", err)
			continue
		}
		channels[name] = ch
	}

	automationRT := automation.NewRuntime(st, loggingExecutor{}, cfg.Automation.HeartbeatIntervalSeconds)
	if cfg.Automation.Enabled {
		if err := automationRT.LoadJobs(genCtx); err != nil {
			slog.Warn("gatewayd: failed to load automation jobs", "error", err)
		}
	}

	skillsRT := skills.NewRegistry(st, skills.Policy{
		RequireHTTPSSource:     cfg.Skills.RequireHTTPSSource,
		RequireTrustedSource:   cfg.Skills.RequireTrustedSource,
		TrustedSourcePrefixes:  cfg.Skills.TrustedSourcePrefixes,
		RequireSHA256Signature: cfg.Skills.RequireSHA256Signature,
	})
	_ = skillsRT // wired for install/approve/revoke callers outside this process's inbound path (spec.md §4.7 operations are invoked out of band, e.g. an operator CLI/API not in scope)

	specs := make([]llm.ProfileSpec, 0, len(cfg.LLM.Profiles))
	for _, p := range cfg.LLM.Profiles {
		specs = append(specs, llm.ProfileSpec{Name: p.Name, Provider: p.Provider, Model: p.Model, APIKey: p.APIKey})
	}
	profiles, err := llm.BuildProfiles(specs)
	if err != nil {
		return fmt.Errorf("gatewayd: building LLM profiles: %w", err)
	}
	failover := &llm.FailoverClient{Profiles: profiles, Config: cfg.FailoverConfig()}

	var mem memory.Memory
	if cfg.Memory.Enabled {
		mem = memory.NewInMemory()
	}

	loop := &assistant.Loop{
		Tools:            tool.NewRegistry(),
		Validator:        tool.NewValidator(),
		Memory:           mem,
		Approval:         gate,
		Failover:         failover,
		SystemPromptBase: cfg.SystemPrompt,
		Context:          cfg.Context,
		FailoverConfig:   cfg.FailoverConfig(),
	}

	mux := gateway.NewMultiplexer(cfg.Queue, channels, sessions, gate, pairingRT, loop, st.OrgID, st.ProjectID)
	mux.Start(genCtx)

	inbound := make(chan transport.InboundEvent, cfg.Queue.LaneBuffer)
	for name, ch := range channels {
		if err := ch.Start(genCtx, inbound); err != nil {
			slog.Error("gatewayd: channel failed to start", "channel", name, "error", err)
		}
	}

	go pumpInbound(genCtx, inbound, mux)

	if cfg.Automation.Enabled {
		go automationRT.RunScheduler(genCtx)
		go automationRT.RunHeartbeat(genCtx)
	}

	slog.Info("gatewayd: running", "channels", len(channels), "queue_mode", cfg.Queue.Mode)

	select {
	case <-ctx.Done():
		cancelGen()
		return nil
	case <-reloadCh:
		cancelGen()
		time.Sleep(200 * time.Millisecond) // let in-flight lane workers observe genCtx cancellation
		return nil
	}
}

func pumpInbound(ctx context.Context, inbound <-chan transport.InboundEvent, mux *gateway.Multiplexer) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-inbound:
			if !ok {
				return
			}
			mux.Dispatch(ctx, ev)
		}
	}
}

// channelConfig is one entry of the config.json "channels" block: enough
// to configure pairing enforcement for that channel id. Transport-specific
// keys (e.g. webchat's "addr") live alongside these and are passed through
// to transport.New unparsed.
type channelConfig struct {
	AccessMode         pairing.AccessMode `json:"access_mode"`
	Allowlist          []string           `json:"allowlist"`
	PendingCap         int                `json:"pending_cap"`
	RequestTTLMinutes  int                `json:"request_ttl_minutes"`
}

func (c channelConfig) pairingPolicy() pairing.ChannelPolicy {
	mode := c.AccessMode
	if mode == "" {
		mode = pairing.ModeOpen
	}
	allow := make(map[string]bool, len(c.Allowlist))
	for _, id := range c.Allowlist {
		allow[id] = true
	}
	ttl := time.Duration(c.RequestTTLMinutes) * time.Minute
	return pairing.ChannelPolicy{
		Mode:       mode,
		Allowlist:  allow,
		PendingCap: c.PendingCap,
		RequestTTL: ttl,
	}
}

// loggingExecutor is the one concrete automation.Executor this module
// ships: it logs the job instead of performing a side effect, the
// automation-runtime counterpart to llm's "echo" provider and tool's empty
// registry — concrete action execution is an external collaborator per
// spec.md §1.
type loggingExecutor struct{}

func (loggingExecutor) Run(ctx context.Context, job *automation.Job, triggeredBy string, payload map[string]any) error {
	slog.Info("automation: job fired", "job_id", job.JobID, "name", job.Name, "action_type", job.Action.Type, "triggered_by", triggeredBy)
	return nil
}
