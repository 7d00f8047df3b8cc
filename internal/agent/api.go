package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog/log"

	"slowquery-agent/internal/shell"
)

// MessageCreator is the subset of the Anthropic client the API agent uses.
// *anthropic.MessageService satisfies it.
type MessageCreator interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// APIOptions configures the Messages API tool loop.
type APIOptions struct {
	Model         string
	MaxTokens     int64
	MaxIterations int
	HistoryWindow int
	Timeout       time.Duration
	System        string
}

// APIAgent edits a workspace through a bounded tool-use conversation.
type APIAgent struct {
	messages MessageCreator
	runner   shell.Runner
	opts     APIOptions
}

// NewAPIAgent returns an agent that runs the Messages API tool loop.
func NewAPIAgent(messages MessageCreator, runner shell.Runner, opts APIOptions) *APIAgent {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 8192
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 20
	}
	if opts.HistoryWindow < 2 {
		opts.HistoryWindow = 8
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 1800 * time.Second
	}
	if opts.System == "" {
		opts.System = "You are a coding agent with tools to read, write and search files and to run " +
			"commands inside a checked-out repository. Make the requested change using the tools, " +
			"then reply with a final report and no further tool calls."
	}
	return &APIAgent{messages: messages, runner: runner, opts: opts}
}

// Run loops until the model answers without tool calls or MaxIterations
// requests have been made.
func (a *APIAgent) Run(ctx context.Context, ws Workspace, instruction string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()

	tools := &toolbox{ws: ws, runner: a.runner}
	handlers := tools.handlers()
	logger := log.With().Str("workspace", ws.Root).Str("model", a.opts.Model).Logger()

	first := anthropic.NewUserMessage(anthropic.NewTextBlock(instruction))
	history := []anthropic.MessageParam{first}
	var transcript strings.Builder

	for iter := 1; iter <= a.opts.MaxIterations; iter++ {
		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(a.opts.Model),
			MaxTokens: a.opts.MaxTokens,
			System:    []anthropic.TextBlockParam{{Text: a.opts.System}},
			Messages:  pruneHistory(history, a.opts.HistoryWindow),
			Tools:     toolDefinitions(),
		}

		msg, err := a.messages.New(ctx, params)
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &InvocationError{Op: "agent api", Output: transcript.String(), Err: ErrTimeout}
			}
			return nil, &InvocationError{Op: "agent api", Output: transcript.String(),
				Err: fmt.Errorf("%w: %v", ErrInvocation, err)}
		}

		var (
			text    []string
			toolUse []anthropic.ContentBlockUnion
		)
		for _, block := range msg.Content {
			switch block.Type {
			case "text":
				text = append(text, block.Text)
			case "tool_use":
				toolUse = append(toolUse, block)
			}
		}
		if len(text) > 0 {
			transcript.WriteString(strings.Join(text, "\n"))
			transcript.WriteString("\n")
		}

		if len(toolUse) == 0 {
			report := strings.TrimSpace(strings.Join(text, "\n"))
			logger.Info().Int("iterations", iter).Msg("agent finished")
			return &Result{
				Output:       transcript.String(),
				Report:       report,
				Iterations:   iter,
				Confirmation: DetectConfirmation(report),
			}, nil
		}

		history = append(history, msg.ToParam())

		results := make([]anthropic.ContentBlockParamUnion, 0, len(toolUse))
		for _, tu := range toolUse {
			out, isErr := a.callTool(ctx, handlers, tu.Name, tu.Input)
			logger.Debug().Str("tool", tu.Name).Bool("error", isErr).Int("result_len", len(out)).Msg("tool call")
			fmt.Fprintf(&transcript, "[tool %s]\n", tu.Name)
			results = append(results, anthropic.ContentBlockParamUnion{
				OfToolResult: &anthropic.ToolResultBlockParam{
					ToolUseID: tu.ID,
					IsError:   anthropic.Bool(isErr),
					Content: []anthropic.ToolResultBlockParamContentUnion{{
						OfText: &anthropic.TextBlockParam{Text: out},
					}},
				},
			})
		}
		history = append(history, anthropic.NewUserMessage(results...))
	}

	logger.Warn().Int("max_iterations", a.opts.MaxIterations).Msg("agent tool loop exhausted")
	return nil, &InvocationError{Op: "agent api", Output: transcript.String(), Err: ErrIterationLimit}
}

func (a *APIAgent) callTool(ctx context.Context, handlers map[string]toolHandler, name string, input json.RawMessage) (string, bool) {
	h, ok := handlers[name]
	if !ok {
		return fmt.Sprintf("unknown tool: %q", name), true
	}
	out, err := h(ctx, input)
	if err != nil {
		return Truncate("error: " + err.Error()), true
	}
	return out, false
}

// pruneHistory keeps the first message plus roughly the last window messages.
// The kept tail always starts on an assistant turn so no tool_result is
// separated from the tool_use that produced it.
func pruneHistory(msgs []anthropic.MessageParam, window int) []anthropic.MessageParam {
	if len(msgs) <= window+1 {
		return msgs
	}
	start := len(msgs) - window
	for start < len(msgs) && msgs[start].Role != anthropic.MessageParamRoleAssistant {
		start++
	}
	out := make([]anthropic.MessageParam, 0, len(msgs)-start+1)
	out = append(out, msgs[0])
	return append(out, msgs[start:]...)
}
