package llm

import (
	"context"
	"fmt"
)

// echoClient is the one concrete Client this module ships, the LLM-side
// counterpart to internal/transport/webchat being the one concrete demo
// transport: it streams back a canned acknowledgement of the last user
// message instead of calling out to a real provider, so cmd/gatewayd has
// something runnable without any provider credentials configured. Real
// provider wire clients (OpenAI/Anthropic/etc.) are out of scope.
type echoClient struct {
	model string
}

func init() {
	RegisterProvider("echo", echoProviderFactory{})
}

type echoProviderFactory struct{}

func (echoProviderFactory) Create(spec ProfileSpec) (Client, error) {
	return &echoClient{model: spec.Model}, nil
}

func (c *echoClient) ChatStream(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
	var lastUser string
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			lastUser = messages[i].Content
			break
		}
	}

	content := fmt.Sprintf("[%s echo] %s", c.model, lastUser)

	out := make(chan StreamChunk, 2)
	go func() {
		defer close(out)
		select {
		case <-ctx.Done():
			return
		case out <- StreamChunk{Kind: ChunkDelta, Content: content}:
		}
		select {
		case <-ctx.Done():
		case out <- StreamChunk{Kind: ChunkDone, FinishReason: "stop"}:
		}
	}()
	return out, nil
}

func (c *echoClient) IsTransientError(err error) bool {
	return IsTransient(err)
}
