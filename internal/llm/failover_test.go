package llm_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"assistantgw/internal/llm"
	"assistantgw/internal/llm/llmtest"
	"github.com/stretchr/testify/require"
)

func profileWith(name string, script ...llmtest.Turn) *llm.Profile {
	return &llm.Profile{
		Name:   name,
		Client: &llmtest.Fake{Script: script},
	}
}

func TestFailover_FirstProfileSucceeds(t *testing.T) {
	p := profileWith("gpt-4o-mini", llmtest.Turn{Content: "hi"})
	f := &llm.FailoverClient{Profiles: []*llm.Profile{p}, Config: llm.FailoverConfig{CooldownBase: time.Millisecond, CooldownMax: time.Second}}

	ch, err := f.Stream(context.Background(), nil, nil, "", "", nil)
	require.NoError(t, err)
	var got string
	for c := range ch {
		if c.Kind == llm.ChunkDelta {
			got += c.Content
		}
	}
	require.Equal(t, "hi", got)
}

func TestFailover_FallsBackOnFailure(t *testing.T) {
	bad := profileWith("bad", llmtest.Turn{Err: fmt.Errorf("500 internal error")})
	good := profileWith("good", llmtest.Turn{Content: "ok"})
	f := &llm.FailoverClient{Profiles: []*llm.Profile{bad, good}, Config: llm.FailoverConfig{CooldownBase: time.Millisecond, CooldownMax: time.Second}}

	ch, err := f.Stream(context.Background(), nil, nil, "", "", nil)
	require.NoError(t, err)
	var got string
	for c := range ch {
		if c.Kind == llm.ChunkDelta {
			got += c.Content
		}
	}
	require.Equal(t, "ok", got)
}

func TestFailover_StrictPinningWithMissingModelErrors(t *testing.T) {
	p1 := profileWith("gpt-4o-mini", llmtest.Turn{Content: "hi"})
	p2 := profileWith("claude-sonnet-4", llmtest.Turn{Content: "hi"})
	f := &llm.FailoverClient{Profiles: []*llm.Profile{p1, p2}}

	_, err := f.Stream(context.Background(), nil, nil, "o3-mini", llm.PinStrict, nil)
	require.ErrorIs(t, err, llm.ErrStrictPinningUnavailable)
}

func TestFailover_CooldownSkipsProfileOnRetry(t *testing.T) {
	flaky := profileWith("flaky", llmtest.Turn{Err: fmt.Errorf("500 internal error")})
	good := profileWith("good", llmtest.Turn{Content: "first"}, llmtest.Turn{Content: "second"})
	f := &llm.FailoverClient{Profiles: []*llm.Profile{flaky, good}, Config: llm.FailoverConfig{CooldownBase: time.Minute, CooldownMax: time.Hour}}

	ch, err := f.Stream(context.Background(), nil, nil, "", "", nil)
	require.NoError(t, err)
	for range ch {
	}

	// flaky is now in a long cooldown; a second call should skip straight
	// to good without re-attempting flaky.
	ch2, err := f.Stream(context.Background(), nil, nil, "", "", nil)
	require.NoError(t, err)
	var got string
	for c := range ch2 {
		if c.Kind == llm.ChunkDelta {
			got += c.Content
		}
	}
	require.Equal(t, "second", got)
}
