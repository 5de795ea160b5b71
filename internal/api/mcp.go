package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/companion/internal/cache"
	"github.com/kalambet/companion/internal/persona"
	"github.com/kalambet/companion/internal/profile"
	"github.com/kalambet/companion/internal/storage"
	"github.com/kalambet/companion/internal/understanding"
)

// MCPProfiles abstracts the cached profile views for the MCP layer.
type MCPProfiles interface {
	Profile(ctx context.Context, userID string) (cache.Result[storage.UnderstandingProfile], error)
	Progression(ctx context.Context, userID string) (cache.Result[understanding.ProgressionView], error)
}

// Recomputer rebuilds a user's understanding profile synchronously.
type Recomputer interface {
	Recompute(ctx context.Context, userID string) (storage.UnderstandingProfile, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Profiles   MCPProfiles
	Recomputer Recomputer // optional; if nil, recompute_profile returns an error
	Personas   *persona.Catalog
}

// NewMCPServer creates an MCP server exposing companion profile tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"companion",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("companion: read and refresh what the assistant has learned about a user."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("get_user_summary",
			mcp.WithDescription("Return the understanding profile the companion has built for a user."),
			mcp.WithString("user_id", mcp.Description("User id"), mcp.Required()),
		),
		mcpUserSummary(deps),
	)

	s.AddTool(
		mcp.NewTool("get_understanding_progression",
			mcp.WithDescription("Return the per-session understanding level progression for a user."),
			mcp.WithString("user_id", mcp.Description("User id"), mcp.Required()),
		),
		mcpProgression(deps),
	)

	s.AddTool(
		mcp.NewTool("recompute_profile",
			mcp.WithDescription("Rebuild a user's understanding profile from their full transcript now."),
			mcp.WithString("user_id", mcp.Description("User id"), mcp.Required()),
		),
		mcpRecompute(deps),
	)

	if deps.Personas != nil {
		s.AddResource(
			mcp.NewResource(
				"companion://personas",
				"Personas",
				mcp.WithResourceDescription("Available personas as JSON"),
				mcp.WithMIMEType("application/json"),
			),
			mcpResourcePersonas(deps),
		)
	}

	return s
}

func mcpUserSummary(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}

		res, err := deps.Profiles.Profile(ctx, userID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return mcpError(fmt.Sprintf("no profile for user %s yet", userID)), nil
			}
			return mcpError(fmt.Sprintf("failed to load profile: %v", err)), nil
		}
		return mcpJSON(profile.NewSummary(res.Value))
	}
}

func mcpProgression(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}

		res, err := deps.Profiles.Progression(ctx, userID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load progression: %v", err)), nil
		}
		return mcpJSON(res.Value)
	}
}

func mcpRecompute(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Recomputer == nil {
			return mcpError("recompute_profile unavailable: no generation engine configured"), nil
		}
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}

		p, err := deps.Recomputer.Recompute(ctx, userID)
		if err != nil {
			return mcpError(fmt.Sprintf("recompute failed: %v", err)), nil
		}
		return mcpJSON(profile.NewSummary(p))
	}
}

func mcpResourcePersonas(deps MCPDeps) server.ResourceHandlerFunc {
	type personaView struct {
		ID       persona.ID `json:"id"`
		Name     string     `json:"name"`
		Tone     string     `json:"tone"`
		Greeting string     `json:"greeting"`
		Default  bool       `json:"default"`
	}
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		def := deps.Personas.Default().ID
		views := make([]personaView, 0, len(persona.All))
		for _, id := range persona.All {
			d, ok := deps.Personas.Get(id)
			if !ok {
				continue
			}
			views = append(views, personaView{
				ID:       d.ID,
				Name:     d.Name,
				Tone:     d.Tone,
				Greeting: d.Greeting,
				Default:  d.ID == def,
			})
		}

		b, err := json.Marshal(views)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal personas: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcpError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
