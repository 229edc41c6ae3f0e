package feature

import (
	"context"
	"strings"
	"testing"

	"github.com/chunga-ict/phoenix/kernel/agent/agenttest"
	"github.com/chunga-ict/phoenix/kernel/model"
)

func TestGet_BaseSetup(t *testing.T) {
	// registered in init()
	inst, err := Get("base-setup")
	if err != nil {
		t.Fatalf("expected base-setup to be registered, got error: %v", err)
	}
	if inst.Name() != "base-setup" {
		t.Errorf("expected name 'base-setup', got '%s'", inst.Name())
	}
}

func TestGet_NotFound(t *testing.T) {
	_, err := Get("nonexistent")
	if err == nil {
		t.Fatal("expected error for nonexistent feature")
	}
}

func TestRegister_DuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected duplicate registration to panic")
		}
	}()
	Register("cluster-runtime", func() Installer { return Script("cluster-runtime", "true") })
}

func TestCatalog_ScriptsOverrideBuiltins(t *testing.T) {
	c := NewCatalog(map[string]string{
		"cluster-runtime": "echo custom",
		"ollama":          "curl -fsSL https://ollama.com/install.sh | sh",
	})

	if !c.Has("ollama") {
		t.Error("configured script should resolve")
	}
	if !c.Has("base-setup") {
		t.Error("built-in should still resolve")
	}
	if c.Has("gpu-passthrough") {
		t.Error("unknown feature should not resolve")
	}

	hv := agenttest.NewHypervisor()
	spec := &model.ResourceSpec{Id: 950, Name: "portainer", Kind: model.KindContainer}
	inst, err := c.Lookup("cluster-runtime")
	if err != nil {
		t.Fatal(err)
	}
	if err := inst.Apply(context.Background(), hv, spec); err != nil {
		t.Fatal(err)
	}
	calls := hv.CallsTo("exec")
	if len(calls) != 1 || calls[0].Detail != "echo custom" {
		t.Errorf("expected the configured script to run, got %v", calls)
	}
}

func TestCatalog_Names(t *testing.T) {
	names := NewCatalog(map[string]string{"ollama": "true"}).Names()
	joined := strings.Join(names, ",")
	for _, want := range []string{"base-setup", "cluster-runtime", "ollama"} {
		if !strings.Contains(joined, want) {
			t.Errorf("expected %s in %v", want, names)
		}
	}
}
