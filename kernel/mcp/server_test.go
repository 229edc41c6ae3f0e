package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/chunga-ict/phoenix/kernel/agent/agenttest"
	"github.com/chunga-ict/phoenix/kernel/converge"
	"github.com/chunga-ict/phoenix/kernel/engine"
	"github.com/chunga-ict/phoenix/kernel/feature"
	"github.com/chunga-ict/phoenix/kernel/model"
	"github.com/chunga-ict/phoenix/kernel/storage"
	"github.com/chunga-ict/phoenix/kernel/store"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store  *store.MemoryStore
	hv     *agenttest.Hypervisor
	server *PhoenixMCPServer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mf := model.NewManifest([]*model.ResourceSpec{
		{Id: 900, Name: "base", Kind: model.KindContainer, BaseImage: "ubuntu-24.04", IsTemplate: true},
		{Id: 950, Name: "portainer", Kind: model.KindContainer, CloneFrom: 900},
	}, nil, nil)
	mf.Dir = t.TempDir()

	cfg := model.DefaultConfig()
	cfg.GatewayDir = t.TempDir()
	cfg.ReadyTimeout = 50 * time.Millisecond
	cfg.Retry = model.RetryConfig{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

	rt, hv, _, _, _ := agenttest.Runtime()
	st := store.NewMemoryStore()
	machine := engine.NewMachine(rt, feature.NewCatalog(nil), st, cfg)
	provisioner := engine.NewProvisioner(machine, st, cfg.Parallelism)
	coordinator := converge.NewCoordinator(mf, rt, st, storage.NewLocal(t.TempDir()), nil, cfg)

	return &fixture{store: st, hv: hv, server: NewPhoenixMCPServer(mf, st, provisioner, coordinator)}
}

func callTool(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{Params: mcp.CallToolParams{Arguments: args}}
}

func decode(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.NotNil(t, result)
	require.False(t, result.IsError, "%v", result.Content)
	var response map[string]any
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].(mcp.TextContent).Text), &response))
	return response
}

func TestNewPhoenixMCPServer(t *testing.T) {
	f := newFixture(t)
	assert.NotNil(t, f.server.server)
	assert.NotNil(t, f.server.provisioner)
	assert.NotNil(t, f.server.coordinator)
}

func TestListResourcesHandler(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SaveState(&model.ResourceState{Id: 900, State: model.Snapshotted, Reached: model.Snapshotted, Template: true}))

	result, err := f.server.listResourcesHandler(context.Background(), callTool(nil))
	require.NoError(t, err)
	response := decode(t, result)

	assert.EqualValues(t, 2, response["count"])
	resources := response["resources"].([]any)
	first := resources[0].(map[string]any)
	assert.EqualValues(t, 900, first["id"])
	assert.Equal(t, true, first["template"])
	second := resources[1].(map[string]any)
	assert.Equal(t, string(model.Undefined), second["state"])
}

func TestGetResourceHandler(t *testing.T) {
	f := newFixture(t)

	result, err := f.server.getResourceHandler(context.Background(), callTool(map[string]any{"resource_id": "950"}))
	require.NoError(t, err)
	response := decode(t, result)
	assert.EqualValues(t, 950, response["resource_id"])
}

func TestGetResourceHandler_NotFound(t *testing.T) {
	f := newFixture(t)

	for _, id := range []string{"42", "portainer"} {
		result, err := f.server.getResourceHandler(context.Background(), callTool(map[string]any{"resource_id": id}))
		require.NoError(t, err)
		assert.True(t, result.IsError, id)
	}
}

func TestCreateHandler_DryRun(t *testing.T) {
	f := newFixture(t)

	result, err := f.server.createHandler(context.Background(), callTool(map[string]any{"ids": "950", "dry_run": true}))
	require.NoError(t, err)
	response := decode(t, result)

	assert.Equal(t, true, response["dry_run"])
	assert.Len(t, response["waves"], 2)
	assert.Empty(t, f.hv.Calls(), "dry run must not touch the hypervisor")
}

func TestCreateHandler_Converges(t *testing.T) {
	f := newFixture(t)

	result, err := f.server.createHandler(context.Background(), callTool(map[string]any{"ids": "all"}))
	require.NoError(t, err)
	response := decode(t, result)
	assert.Nil(t, response["error"])

	state, err := f.store.GetState(950)
	require.NoError(t, err)
	assert.Equal(t, model.Snapshotted, state.State)
}

func TestCreateHandler_UnknownId(t *testing.T) {
	f := newFixture(t)

	result, err := f.server.createHandler(context.Background(), callTool(map[string]any{"ids": "950,7"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestSyncHandler_RecordsRun(t *testing.T) {
	f := newFixture(t)

	result, err := f.server.syncHandler(context.Background(), callTool(nil))
	require.NoError(t, err)
	response := decode(t, result)
	run := response["run"].(map[string]any)
	assert.Len(t, run["stages"], len(converge.Stages))

	contents, err := f.server.lastRunHandler(context.Background(), mcp.ReadResourceRequest{})
	require.NoError(t, err)
	require.Len(t, contents, 1)
	text := contents[0].(mcp.TextResourceContents)
	assert.Equal(t, LastRunURI, text.URI)
	assert.Contains(t, text.Text, run["id"].(string))
}

func TestStatusHandler(t *testing.T) {
	f := newFixture(t)

	contents, err := f.server.statusHandler(context.Background(), mcp.ReadResourceRequest{})
	require.NoError(t, err)
	require.Len(t, contents, 1)

	text := contents[0].(mcp.TextResourceContents)
	assert.Equal(t, StatusURI, text.URI)

	var response map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &response))
	assert.EqualValues(t, 2, response["count"])
}

func TestLastRunHandler_BeforeFirstRun(t *testing.T) {
	f := newFixture(t)

	contents, err := f.server.lastRunHandler(context.Background(), mcp.ReadResourceRequest{})
	require.NoError(t, err)
	assert.Equal(t, "null", contents[0].(mcp.TextResourceContents).Text)
}
