package probe

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chunga-ict/phoenix/kernel/agent"
	"github.com/chunga-ict/phoenix/kernel/agent/agenttest"
	"github.com/chunga-ict/phoenix/kernel/model"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var portainer = &model.ResourceSpec{Id: 950, Name: "portainer", Kind: model.KindContainer}

func statusServer(t *testing.T, code int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProbe_HTTPJsonPath(t *testing.T) {
	srv := statusServer(t, 200, `{"Version":"2.21.0","Edition":"CE"}`)
	r := NewRunner(agenttest.NewHypervisor(), nil)

	require.NoError(t, r.Probe(context.Background(), portainer, model.HealthCheck{Name: "api", Probe: TypeHTTP, Args: []string{srv.URL}}))
	require.NoError(t, r.Probe(context.Background(), portainer, model.HealthCheck{Name: "api", Probe: TypeHTTP, Args: []string{srv.URL, "$.Version"}}))
	require.NoError(t, r.Probe(context.Background(), portainer, model.HealthCheck{Name: "api", Probe: TypeHTTP, Args: []string{srv.URL, "$.Edition", "CE"}}))

	err := r.Probe(context.Background(), portainer, model.HealthCheck{Name: "api", Probe: TypeHTTP, Args: []string{srv.URL, "$.Edition", "EE"}})
	require.Error(t, err)
	assert.True(t, agent.IsTransient(err))

	err = r.Probe(context.Background(), portainer, model.HealthCheck{Name: "api", Probe: TypeHTTP, Args: []string{srv.URL, "$.Missing"}})
	assert.True(t, agent.IsTransient(err))
}

func TestProbe_HTTPStatus(t *testing.T) {
	srv := statusServer(t, 503, `{}`)
	r := NewRunner(agenttest.NewHypervisor(), nil)

	err := r.Probe(context.Background(), portainer, model.HealthCheck{Name: "api", Probe: TypeHTTP, Args: []string{srv.URL}})
	require.Error(t, err)
	assert.True(t, agent.IsTransient(err))
}

func TestProbe_ExecFailureIsTransient(t *testing.T) {
	hv := agenttest.NewHypervisor()
	hv.FailExec("pg_isready", &agent.CommandError{Command: "pg_isready", Output: "no response", Err: errors.New("exit status 2")})
	r := NewRunner(hv, nil)

	err := r.Probe(context.Background(), portainer, model.HealthCheck{Name: "db", Probe: TypeExec, Args: []string{"pg_isready", "-h", "127.0.0.1"}})
	require.Error(t, err)
	assert.True(t, agent.IsTransient(err))
	assert.Equal(t, "pg_isready -h 127.0.0.1", hv.CallsTo("exec")[0].Detail)
}

func TestProbe_ConfiguredScript(t *testing.T) {
	hv := agenttest.NewHypervisor()
	r := NewRunner(hv, map[string]string{"systemd-unit": "systemctl is-active --quiet"})

	require.True(t, r.Known("systemd-unit"))
	require.NoError(t, r.Probe(context.Background(), portainer, model.HealthCheck{Name: "docker", Probe: "systemd-unit", Args: []string{"docker.service"}}))
	assert.Equal(t, "systemctl is-active --quiet docker.service", hv.CallsTo("exec")[0].Detail)
}

func TestProbe_UnknownIsPermanent(t *testing.T) {
	r := NewRunner(agenttest.NewHypervisor(), nil)

	err := r.Probe(context.Background(), portainer, model.HealthCheck{Name: "x", Probe: "smoke-signal"})
	require.Error(t, err)
	assert.False(t, agent.IsTransient(err))
	assert.False(t, r.Known("smoke-signal"))
}

func TestProbe_TCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	r := NewRunner(agenttest.NewHypervisor(), nil)
	require.NoError(t, r.Probe(context.Background(), portainer, model.HealthCheck{Name: "port", Probe: TypeTCP, Args: []string{addr}}))

	require.NoError(t, ln.Close())
	err = r.Probe(context.Background(), portainer, model.HealthCheck{Name: "port", Probe: TypeTCP, Args: []string{addr}})
	assert.True(t, agent.IsTransient(err))
}
