// Package mcp exposes fleet status, provisioning and convergence to MCP clients over
// stdio.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/chunga-ict/phoenix/kernel/converge"
	"github.com/chunga-ict/phoenix/kernel/engine"
	"github.com/chunga-ict/phoenix/kernel/model"
	"github.com/chunga-ict/phoenix/kernel/store"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/pkg/errors"
)

const (
	StatusURI  = "phoenix://status"
	LastRunURI = "phoenix://runs/last"
)

type PhoenixMCPServer struct {
	server      *server.MCPServer
	mf          *model.Manifest
	store       store.Store
	provisioner *engine.Provisioner
	coordinator *converge.Coordinator
}

func NewPhoenixMCPServer(mf *model.Manifest, st store.Store, provisioner *engine.Provisioner, coordinator *converge.Coordinator) *PhoenixMCPServer {
	srv := server.NewMCPServer(
		"Phoenix Fleet",
		"v1.0.0",
		server.WithResourceCapabilities(true, true),
		server.WithToolCapabilities(true),
	)

	ps := &PhoenixMCPServer{
		server:      srv,
		mf:          mf,
		store:       st,
		provisioner: provisioner,
		coordinator: coordinator,
	}

	ps.registerTools()
	ps.registerResources()

	return ps
}

func (ps *PhoenixMCPServer) ServeStdio() error {
	return server.ServeStdio(ps.server)
}

func (ps *PhoenixMCPServer) registerTools() {
	ps.server.AddTool(mcp.NewTool("list_resources",
		mcp.WithDescription("List every declared resource with its persisted provisioning state"),
	), ps.listResourcesHandler)

	ps.server.AddTool(mcp.NewTool("get_resource",
		mcp.WithDescription("Get the declaration and persisted state of one resource"),
		mcp.WithString("resource_id",
			mcp.Description("Numeric id of the resource"),
			mcp.Required(),
		),
	), ps.getResourceHandler)

	ps.server.AddTool(mcp.NewTool("create",
		mcp.WithDescription("Provision resources and everything they depend on"),
		mcp.WithString("ids",
			mcp.Description("Comma separated resource ids, or 'all'"),
			mcp.Required(),
		),
		mcp.WithBoolean("dry_run",
			mcp.Description("Plan waves without touching any resource"),
		),
		mcp.WithBoolean("retry_failed",
			mcp.Description("Resume resources recorded as failed"),
		),
	), ps.createHandler)

	ps.server.AddTool(mcp.NewTool("sync",
		mcp.WithDescription("Run the fleet-wide convergence pipeline"),
		mcp.WithBoolean("force_renew",
			mcp.Description("Reissue every certificate regardless of expiry"),
		),
		mcp.WithBoolean("from_start",
			mcp.Description("Ignore a halted previous run and start at the first stage"),
		),
	), ps.syncHandler)
}

func (ps *PhoenixMCPServer) registerResources() {
	ps.server.AddResource(mcp.NewResource(StatusURI, "Phoenix Status",
		mcp.WithResourceDescription("Persisted state of every declared resource"),
		mcp.WithMIMEType("application/json"),
	), ps.statusHandler)

	ps.server.AddResource(mcp.NewResource(LastRunURI, "Last Convergence Run",
		mcp.WithResourceDescription("Stage outcomes of the most recent sync"),
		mcp.WithMIMEType("application/json"),
	), ps.lastRunHandler)
}

type resourceView struct {
	Id       int    `json:"id"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	State    string `json:"state"`
	Template bool   `json:"template,omitempty"`
	Drifted  bool   `json:"drifted,omitempty"`
}

func (ps *PhoenixMCPServer) views() ([]resourceView, error) {
	var out []resourceView
	for _, id := range ps.mf.Ids() {
		spec, _ := ps.mf.Resource(id)
		state, err := ps.store.GetState(id)
		if err != nil {
			return nil, err
		}
		if state == nil {
			state = model.NewResourceState(id)
		}
		out = append(out, resourceView{
			Id:       id,
			Name:     spec.Name,
			Kind:     string(spec.Kind),
			State:    state.Display(),
			Template: state.Template,
			Drifted:  engine.Drifted(spec, state),
		})
	}
	return out, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (ps *PhoenixMCPServer) listResourcesHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	views, err := ps.views()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read state: %v", err)), nil
	}
	return jsonResult(map[string]any{"count": len(views), "resources": views})
}

func (ps *PhoenixMCPServer) getResourceHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := request.RequireString("resource_id")
	if err != nil {
		return mcp.NewToolResultError("resource_id argument is required"), nil
	}
	id, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid resource_id [%s]", raw)), nil
	}
	spec, found := ps.mf.Resource(id)
	if !found {
		return mcp.NewToolResultError(fmt.Sprintf("resource %d is not declared", id)), nil
	}
	state, err := ps.store.GetState(id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read state: %v", err)), nil
	}
	if state == nil {
		state = model.NewResourceState(id)
	}
	return jsonResult(map[string]any{
		"resource_id": id,
		"spec":        spec,
		"state":       state,
		"features":    ps.mf.EffectiveFeatures(id),
	})
}

func (ps *PhoenixMCPServer) createHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := request.RequireString("ids")
	if err != nil {
		return mcp.NewToolResultError("ids argument is required"), nil
	}
	ids, err := engine.ParseIds(ps.mf, []string{raw})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	opts := engine.CreateOptions{
		DryRun:      request.GetBool("dry_run", false),
		RetryFailed: request.GetBool("retry_failed", false),
	}
	result, err := ps.provisioner.Create(ctx, ps.mf, ids, opts)
	if result == nil {
		return mcp.NewToolResultError(fmt.Sprintf("planning failed: %v", err)), nil
	}
	response := map[string]any{
		"dry_run":   opts.DryRun,
		"waves":     result.Waves,
		"resources": result.Sorted(),
	}
	if err == nil {
		err = result.Err()
	}
	if err != nil {
		response["error"] = err.Error()
	}
	return jsonResult(response)
}

func (ps *PhoenixMCPServer) syncHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	run, err := ps.coordinator.Sync(ctx, converge.Options{
		ForceRenew: request.GetBool("force_renew", false),
		FromStart:  request.GetBool("from_start", false),
	})
	if run == nil {
		return mcp.NewToolResultError(fmt.Sprintf("sync failed: %v", err)), nil
	}
	response := map[string]any{
		"run":     run,
		"outcome": run.Outcome(),
	}
	if err != nil {
		response["error"] = err.Error()
	}
	return jsonResult(response)
}

func (ps *PhoenixMCPServer) statusHandler(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	views, err := ps.views()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read state")
	}
	data, err := json.Marshal(map[string]any{"count": len(views), "resources": views})
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      StatusURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (ps *PhoenixMCPServer) lastRunHandler(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	run, err := ps.store.LastRun()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read last run")
	}
	text := "null"
	if run != nil {
		data, err := json.Marshal(run)
		if err != nil {
			return nil, err
		}
		text = string(data)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      LastRunURI,
			MIMEType: "application/json",
			Text:     text,
		},
	}, nil
}
