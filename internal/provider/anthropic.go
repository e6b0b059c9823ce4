package provider

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"
)

// AnthropicConfig contains configuration for the Anthropic-backed provider.
type AnthropicConfig struct {
	// Model is the Claude model to use (e.g., anthropic.ModelClaudeSonnet4_20250514).
	Model anthropic.Model
	// APIKey is the Anthropic API key. If empty, uses ANTHROPIC_API_KEY env var.
	APIKey string
	// UseAWSBedrock indicates whether to use AWS Bedrock instead of direct API.
	UseAWSBedrock bool
	// AWSRegion is the AWS region for Bedrock (e.g., "us-west-2").
	AWSRegion string
	// AWSProfile is the optional AWS profile name to use.
	AWSProfile string
	// MaxTokens caps the response size per call. Defaults to 8192.
	MaxTokens int64
}

// Anthropic is a Provider backed by the Anthropic API (direct or Bedrock).
type Anthropic struct {
	inner     anthropic.Client
	model     anthropic.Model
	maxTokens int64

	mu    sync.Mutex
	usage UsageSnapshot
}

// NewAnthropic creates an Anthropic provider.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	var opts []option.RequestOption

	if cfg.UseAWSBedrock {
		ctx := context.Background()

		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}

		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	model := cfg.Model
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	if cfg.UseAWSBedrock {
		model = translateModelForBedrock(model)
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	return &Anthropic{
		inner:     anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

// translateModelForBedrock converts standard Anthropic model names to
// Bedrock cross-region inference profile format: us.anthropic.{model}-v1:0.
func translateModelForBedrock(model anthropic.Model) anthropic.Model {
	bedrockModels := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaudeOpus4_1_20250805:   "us.anthropic.claude-opus-4-1-20250805-v1:0",
		anthropic.ModelClaude3_5Haiku20241022:   "us.anthropic.claude-3-5-haiku-20241022-v1:0",
	}

	if bedrockModel, ok := bedrockModels[model]; ok {
		return anthropic.Model(bedrockModel)
	}
	return model
}

// ExecuteQuery runs one query and streams the response as tagged messages.
// The channel is closed after the terminal result/error message.
func (a *Anthropic) ExecuteQuery(ctx context.Context, q Query) (<-chan Message, error) {
	model := a.model
	if q.Model != "" {
		model = anthropic.Model(q.Model)
	}

	out := make(chan Message, 16)

	go func() {
		defer close(out)

		params := anthropic.MessageNewParams{
			Model:     model,
			MaxTokens: a.maxTokens,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(q.Prompt)),
			},
		}
		if q.System != "" {
			params.System = []anthropic.TextBlockParam{{Text: q.System}}
		}

		resp, err := a.inner.Messages.New(ctx, params)
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			class := Classify(err)
			msg := Message{Type: MessageError, Subtype: SubtypeError, Err: err.Error()}
			switch class {
			case ClassQuota:
				msg.Subtype = SubtypeQuotaExhausted
			case ClassRateLimit:
				msg.Subtype = SubtypeRateLimit
			}
			send(ctx, out, msg)
			return
		}

		a.mu.Lock()
		a.usage.TokensIn += resp.Usage.InputTokens
		a.usage.TokensOut += resp.Usage.OutputTokens
		a.usage.Requests++
		a.mu.Unlock()

		var text string
		for _, block := range resp.Content {
			if block.Type == "text" {
				text += block.Text
				send(ctx, out, Message{Type: MessageAssistant, Text: block.Text})
			}
		}

		send(ctx, out, Message{
			Type:      MessageResult,
			Subtype:   SubtypeSuccess,
			Text:      text,
			TokensIn:  resp.Usage.InputTokens,
			TokensOut: resp.Usage.OutputTokens,
		})
	}()

	return out, nil
}

// Usage returns the accumulated usage across calls.
func (a *Anthropic) Usage() UsageSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usage
}

func send(ctx context.Context, out chan<- Message, m Message) {
	select {
	case out <- m:
	case <-ctx.Done():
	}
}
