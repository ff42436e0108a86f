// Package mcptools exposes subscriber administration as MCP tools.
package mcptools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/matthewjhunter/kleinwatch"
)

// Backend is the engine surface the tools use.
type Backend interface {
	Status(chatID int64) (*kleinwatch.Status, error)
	Subscribers() ([]kleinwatch.Subscriber, error)
	RunCheckForUser(ctx context.Context, chatID int64) (*kleinwatch.CheckResult, error)
	SetInterval(chatID int64, minutes int) error
}

// NewServer returns an MCP server with every kleinwatch tool registered.
func NewServer(b Backend, version string) *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "kleinwatch", Version: version}, nil)
	Register(srv, b)
	return srv
}

// Register adds the kleinwatch tools to srv.
func Register(srv *mcp.Server, b Backend) {
	chatID := map[string]any{"type": "integer", "description": "Telegram chat id of the subscriber"}

	addTool(srv, &mcp.Tool{
		Name:        "subscriber_status",
		Description: "Show a subscriber's subscription state, seen listing count, last check and all-time totals.",
		InputSchema: inputSchema(map[string]any{"chat_id": chatID}, []string{"chat_id"}),
	}, func(_ context.Context, args json.RawMessage) (any, error) {
		var in chatInput
		if err := decode(args, &in); err != nil {
			return nil, err
		}
		return b.Status(in.ChatID)
	})

	addTool(srv, &mcp.Tool{
		Name:        "list_subscribers",
		Description: "List every registered subscriber.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}, func(_ context.Context, _ json.RawMessage) (any, error) {
		subs, err := b.Subscribers()
		if err != nil {
			return nil, err
		}
		if subs == nil {
			subs = []kleinwatch.Subscriber{}
		}
		return subs, nil
	})

	addTool(srv, &mcp.Tool{
		Name:        "check_subscriber",
		Description: "Run an on-demand check for a subscriber and deliver any new listings, capped like /test.",
		InputSchema: inputSchema(map[string]any{"chat_id": chatID}, []string{"chat_id"}),
	}, func(ctx context.Context, args json.RawMessage) (any, error) {
		var in chatInput
		if err := decode(args, &in); err != nil {
			return nil, err
		}
		return b.RunCheckForUser(ctx, in.ChatID)
	})

	addTool(srv, &mcp.Tool{
		Name:        "set_interval",
		Description: "Set how often a subscriber is checked, in minutes. Must not be below the base interval.",
		InputSchema: inputSchema(map[string]any{
			"chat_id": chatID,
			"minutes": map[string]any{"type": "integer", "description": "Check interval in minutes"},
		}, []string{"chat_id", "minutes"}),
	}, func(_ context.Context, args json.RawMessage) (any, error) {
		var in intervalInput
		if err := decode(args, &in); err != nil {
			return nil, err
		}
		if in.Minutes <= 0 {
			return nil, errors.New("minutes must be positive")
		}
		if err := b.SetInterval(in.ChatID, in.Minutes); err != nil {
			return nil, err
		}
		return map[string]any{"chat_id": in.ChatID, "interval_minutes": in.Minutes}, nil
	})
}

type chatInput struct {
	ChatID int64 `json:"chat_id"`
}

func (in chatInput) validate() error {
	if in.ChatID == 0 {
		return errors.New("chat_id is required")
	}
	return nil
}

type intervalInput struct {
	ChatID  int64 `json:"chat_id"`
	Minutes int   `json:"minutes"`
}

func (in intervalInput) validate() error {
	return chatInput{ChatID: in.ChatID}.validate()
}

type validator interface {
	validate() error
}

func decode(args json.RawMessage, in validator) error {
	if len(args) > 0 {
		if err := json.Unmarshal(args, in); err != nil {
			return fmt.Errorf("invalid arguments: %w", err)
		}
	}
	return in.validate()
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// addTool registers a handler whose result is returned as JSON text and
// whose error becomes a tool error.
func addTool(srv *mcp.Server, tool *mcp.Tool, h func(context.Context, json.RawMessage) (any, error)) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		resp, err := h(ctx, req.Params.Arguments)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(err)
			return &res, nil
		}
		data, err := json.Marshal(resp)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("marshal: %w", err))
			return &res, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}
