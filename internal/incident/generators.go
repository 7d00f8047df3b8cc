package incident

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"

	"slowquery-agent/internal/agent"
	"slowquery-agent/internal/config"
)

const fieldSystemPrompt = "You write incident records for a performance monitoring dashboard. " +
	"Reply with a single JSON object and nothing else."

// FieldGenerator drafts incident fields as raw text, expected to contain a
// JSON object.
type FieldGenerator interface {
	Generate(ctx context.Context, req FieldRequest) (string, error)
}

// AgentGenerator asks the coding agent CLI, run in a scratch directory.
type AgentGenerator struct {
	agent agent.Agent
	ws    agent.Workspace
}

// NewAgentGenerator asks the coding agent for incident fields inside ws.
func NewAgentGenerator(a agent.Agent, ws agent.Workspace) *AgentGenerator {
	return &AgentGenerator{agent: a, ws: ws}
}

func (g *AgentGenerator) Generate(ctx context.Context, req FieldRequest) (string, error) {
	res, err := g.agent.Run(ctx, g.ws, Task(req))
	if err != nil {
		return "", fmt.Errorf("agent field generation: %w", err)
	}
	if res.Report != "" {
		return res.Report, nil
	}
	return res.Output, nil
}

// AnthropicGenerator calls the Messages API directly.
type AnthropicGenerator struct {
	messages  agent.MessageCreator
	model     string
	maxTokens int64
}

// NewAnthropicGenerator asks the Anthropic Messages API for incident fields.
func NewAnthropicGenerator(messages agent.MessageCreator, model string) *AnthropicGenerator {
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	return &AnthropicGenerator{messages: messages, model: model, maxTokens: 1024}
}

func (g *AnthropicGenerator) Generate(ctx context.Context, req FieldRequest) (string, error) {
	msg, err := g.messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: g.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: fieldSystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(Task(req))),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic field generation: %w", err)
	}
	var parts []string
	for _, block := range msg.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n"), nil
}

// OpenAIGenerator calls the chat completions API in JSON mode.
type OpenAIGenerator struct {
	client *openai.Client
	model  string
}

// NewOpenAIGenerator asks the OpenAI chat API for incident fields.
func NewOpenAIGenerator(client *openai.Client, model string) *OpenAIGenerator {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIGenerator{client: client, model: model}
}

func (g *OpenAIGenerator) Generate(ctx context.Context, req FieldRequest) (string, error) {
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: fieldSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: Task(req)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai field generation: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai field generation: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}

// GeneratorDeps are the clients a provider may need.
type GeneratorDeps struct {
	Agent     agent.Agent
	Workspace agent.Workspace
	Anthropic agent.MessageCreator
	OpenAI    *openai.Client
}

// NewFieldGenerator picks the generator named by cfg.Provider.
func NewFieldGenerator(cfg config.IncidentFieldsConfig, deps GeneratorDeps) (FieldGenerator, error) {
	switch cfg.Provider {
	case "", "agent":
		if deps.Agent == nil {
			return nil, fmt.Errorf("incident field provider agent requires an agent")
		}
		return NewAgentGenerator(deps.Agent, deps.Workspace), nil
	case "anthropic":
		if deps.Anthropic == nil {
			return nil, fmt.Errorf("incident field provider anthropic requires an API key")
		}
		return NewAnthropicGenerator(deps.Anthropic, cfg.Model), nil
	case "openai":
		if deps.OpenAI == nil {
			return nil, fmt.Errorf("incident field provider openai requires OPENAI_API_KEY")
		}
		return NewOpenAIGenerator(deps.OpenAI, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown incident field provider %q", cfg.Provider)
	}
}
