package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"
)

const (
	planMaxOutputTokens = 4096
	planToolName        = "submit_plan"
)

// ProviderConfig selects and configures an LLM-backed planner.
type ProviderConfig struct {
	Type    string // "openai", "openai_compatible" or "anthropic"
	BaseURL string
	Model   string
	APIKey  string
}

// NewFromProvider builds a planner for the configured provider type.
func NewFromProvider(cfg ProviderConfig) (Planner, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("missing provider api key")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("missing provider model")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "openai", "openai_compatible":
		opts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(cfg.APIKey))}
		if strings.TrimSpace(cfg.BaseURL) != "" {
			opts = append(opts, ooption.WithBaseURL(strings.TrimSpace(cfg.BaseURL)))
		}
		return &openAIPlanner{
			client: openai.NewClient(opts...),
			model:  strings.TrimSpace(cfg.Model),
		}, nil
	case "anthropic":
		opts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(cfg.APIKey))}
		if strings.TrimSpace(cfg.BaseURL) != "" {
			opts = append(opts, aoption.WithBaseURL(strings.TrimSpace(cfg.BaseURL)))
		}
		return &anthropicPlanner{
			client: anthropic.NewClient(opts...),
			model:  strings.TrimSpace(cfg.Model),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", cfg.Type)
	}
}

type openAIPlanner struct {
	client openai.Client
	model  string
}

func (p *openAIPlanner) Plan(ctx context.Context, req Request) (Plan, error) {
	if p == nil {
		return Plan{}, errors.New("nil planner")
	}
	if strings.TrimSpace(req.Message) == "" {
		return Plan{}, errors.New("empty message")
	}

	items := make(oresponses.ResponseInputParam, 0, len(req.History)+1)
	for _, turn := range req.History {
		text := strings.TrimSpace(turn.Text)
		if text == "" {
			continue
		}
		role := oresponses.EasyInputMessageRoleUser
		if strings.EqualFold(strings.TrimSpace(turn.Role), "assistant") {
			role = oresponses.EasyInputMessageRoleAssistant
		}
		items = append(items, oresponses.ResponseInputItemParamOfMessage(text, role))
	}
	items = append(items, oresponses.ResponseInputItemParamOfMessage(strings.TrimSpace(req.Message), oresponses.EasyInputMessageRoleUser))

	params := oresponses.ResponseNewParams{
		Model:             oshared.ResponsesModel(p.model),
		MaxOutputTokens:   openai.Int(planMaxOutputTokens),
		ParallelToolCalls: openai.Bool(false),
		Input:             oresponses.ResponseNewParamsInputUnion{OfInputItemList: items},
		Instructions:      openai.String(planInstructions(req.Tools)),
	}
	obj := oshared.NewResponseFormatJSONObjectParam()
	params.Text = oresponses.ResponseTextConfigParam{
		Format: oresponses.ResponseFormatTextConfigUnionParam{OfJSONObject: &obj},
	}

	resp, err := p.client.Responses.New(ctx, params)
	if err != nil {
		return Plan{}, fmt.Errorf("plan request: %w", err)
	}
	return parsePlanPayload(extractResponseText(*resp))
}

func extractResponseText(resp oresponses.Response) string {
	var sb strings.Builder
	for _, item := range resp.Output {
		if strings.TrimSpace(item.Type) != "message" {
			continue
		}
		msg := item.AsMessage()
		for _, part := range msg.Content {
			if strings.TrimSpace(part.Type) != "output_text" {
				continue
			}
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(strings.TrimSpace(part.Text))
		}
	}
	return sb.String()
}

type anthropicPlanner struct {
	client anthropic.Client
	model  string
}

func (p *anthropicPlanner) Plan(ctx context.Context, req Request) (Plan, error) {
	if p == nil {
		return Plan{}, errors.New("nil planner")
	}
	if strings.TrimSpace(req.Message) == "" {
		return Plan{}, errors.New("empty message")
	}

	msgs := make([]anthropic.MessageParam, 0, len(req.History)+1)
	for _, turn := range req.History {
		text := strings.TrimSpace(turn.Text)
		if text == "" {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(turn.Role), "assistant") {
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(text)))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
		}
	}
	msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(strings.TrimSpace(req.Message))))

	tool := anthropic.ToolParam{
		Name:        planToolName,
		Description: anthropic.String("Submit the ordered plan of tool calls."),
		InputSchema: anthropic.ToolInputSchemaParam{
			Type: "object",
			Properties: map[string]any{
				"title": map[string]any{"type": "string"},
				"actions": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"id":                   map[string]any{"type": "string"},
							"tool":                 map[string]any{"type": "string"},
							"arguments":            map[string]any{"type": "object"},
							"result_variable_name": map[string]any{"type": "string"},
						},
						"required": []string{"tool", "arguments"},
					},
				},
			},
			Required: []string{"title", "actions"},
		},
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: planMaxOutputTokens,
		Messages:  msgs,
		System:    []anthropic.TextBlockParam{{Text: planInstructions(req.Tools)}},
		Tools:     []anthropic.ToolUnionParam{{OfTool: &tool}},
		ToolChoice: anthropic.ToolChoiceUnionParam{
			OfTool: &anthropic.ToolChoiceToolParam{Name: planToolName},
		},
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return Plan{}, fmt.Errorf("plan request: %w", err)
	}

	for _, block := range msg.Content {
		if tu, ok := block.AsAny().(anthropic.ToolUseBlock); ok && strings.TrimSpace(tu.Name) == planToolName {
			if len(tu.Input) > 0 {
				return parsePlanPayload(string(tu.Input))
			}
		}
	}

	// Some models answer in text despite the forced tool choice.
	var textBuf strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			if textBuf.Len() > 0 {
				textBuf.WriteString("\n")
			}
			textBuf.WriteString(tb.Text)
		}
	}
	return parsePlanPayload(textBuf.String())
}
