package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// PinningMode controls how a session's model_override interacts with the
// profile attempt order (spec.md §4.3.1 step 1).
type PinningMode string

const (
	PinPrefer PinningMode = "prefer"
	PinStrict PinningMode = "strict"
)

// Profile is one configured (provider, model, credential) triple in the
// failover chain, paired with its runtime cooldown state.
type Profile struct {
	Name     string // matched case-insensitively against a session's model_override
	Provider string
	Model    string
	Client   Client

	mu                 sync.Mutex
	consecutiveFailures int
	cooldownUntil       time.Time
}

func (p *Profile) cooldownRemaining(now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cooldownUntil.IsZero() || !p.cooldownUntil.After(now) {
		return 0
	}
	return p.cooldownUntil.Sub(now)
}

func (p *Profile) recordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutiveFailures = 0
	p.cooldownUntil = time.Time{}
}

// recordFailure applies spec.md §4.3.1 step 3's exponential cooldown:
// cooldown = min(base * 2^(clamp(consecutive_failures-1, 0, 12)), max).
func (p *Profile) recordFailure(now time.Time, base, max time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutiveFailures++
	exp := p.consecutiveFailures - 1
	if exp < 0 {
		exp = 0
	}
	if exp > 12 {
		exp = 12
	}
	cooldown := base * (1 << uint(exp))
	if cooldown > max {
		cooldown = max
	}
	p.cooldownUntil = now.Add(cooldown)
}

// Notifier lets the failover client push a user-visible message through
// whatever non-streaming transport originated the request, without this
// package depending on the transport package.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// FailoverConfig holds the tunables from spec.md's `llm` configuration
// block that affect cooldown arithmetic.
type FailoverConfig struct {
	CooldownBase time.Duration
	CooldownMax  time.Duration
}

// FailoverClient implements spec.md §4.3.1 over a configured set of
// Profiles.
type FailoverClient struct {
	Profiles []*Profile
	Config   FailoverConfig
}

// ErrStrictPinningUnavailable is returned when model_pinning=Strict and no
// profile matches the session's model_override (spec.md scenario S3).
var ErrStrictPinningUnavailable = fmt.Errorf("strict model pinning requested a model that is not configured as an available profile")

// attemptOrder partitions Profiles into (preferred, fallback) by matching
// modelOverride case-insensitively against each profile's Name, then
// resolves the final order per pinning mode.
func attemptOrder(profiles []*Profile, modelOverride string, pinning PinningMode) ([]int, error) {
	if modelOverride == "" {
		order := make([]int, len(profiles))
		for i := range profiles {
			order[i] = i
		}
		return order, nil
	}

	var preferred, fallback []int
	for i, p := range profiles {
		if strings.EqualFold(p.Name, modelOverride) {
			preferred = append(preferred, i)
		} else {
			fallback = append(fallback, i)
		}
	}

	if pinning == PinStrict {
		if len(preferred) == 0 {
			return nil, ErrStrictPinningUnavailable
		}
		return preferred, nil
	}

	return append(preferred, fallback...), nil
}

// Stream runs the full failover algorithm and returns the stream channel
// of whichever profile succeeded first.
func (f *FailoverClient) Stream(ctx context.Context, messages []Message, tools []ToolDefinition, modelOverride string, pinning PinningMode, notifier Notifier) (<-chan StreamChunk, error) {
	if len(f.Profiles) == 0 {
		return nil, fmt.Errorf("llm: no profiles configured")
	}

	order, err := attemptOrder(f.Profiles, modelOverride, pinning)
	if err != nil {
		return nil, err
	}

	const maxRounds = 2
	var lastErr error

	for round := 1; round <= maxRounds; round++ {
		var minRateLimitWait time.Duration
		haveRateLimitWait := false

		for _, idx := range order {
			profile := f.Profiles[idx]
			now := time.Now()

			if wait := profile.cooldownRemaining(now); wait > 0 {
				if !haveRateLimitWait || wait < minRateLimitWait {
					minRateLimitWait = wait
					haveRateLimitWait = true
				}
				continue
			}

			ch, err := profile.Client.ChatStream(ctx, messages, tools)
			if err == nil {
				profile.recordSuccess()
				return ch, nil
			}

			lastErr = err
			profile.recordFailure(now, f.Config.CooldownBase, f.Config.CooldownMax)
			slog.Warn("llm profile failed", "profile", profile.Name, "error", err)

			if IsRateLimit(err) {
				wait := profile.cooldownRemaining(time.Now())
				if !haveRateLimitWait || wait < minRateLimitWait {
					minRateLimitWait = wait
					haveRateLimitWait = true
				}
			}
		}

		if round < maxRounds && haveRateLimitWait {
			eta := time.Now().Add(minRateLimitWait)
			msg := fmt.Sprintf(
				"Provider rate limit hit. I will retry automatically in %ds (attempt %d/%d). ETA %s",
				int(minRateLimitWait.Seconds()), round+1, maxRounds, eta.Format("15:04:05"),
			)
			if notifier != nil {
				if nerr := notifier.Notify(ctx, msg); nerr != nil {
					slog.Warn("llm: failed to notify rate-limit wait", "error", nerr)
				}
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(minRateLimitWait):
			}
			continue
		}

		break
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("llm: no profile was attempted")
	}
	return nil, fmt.Errorf("llm: all profiles exhausted: %w", lastErr)
}
