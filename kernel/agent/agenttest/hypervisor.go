// Package agenttest provides recording in-memory implementations of the agent
// collaborators.
package agenttest

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/chunga-ict/phoenix/kernel/agent"
	"github.com/chunga-ict/phoenix/kernel/model"
	"github.com/pkg/errors"
)

type Call struct {
	Op     string
	Id     int
	Detail string
}

func (c Call) String() string {
	if c.Detail == "" {
		return fmt.Sprintf("%s %d", c.Op, c.Id)
	}
	return fmt.Sprintf("%s %d %s", c.Op, c.Id, c.Detail)
}

// Hypervisor keeps instances in memory. Failures are keyed by "op" or "op:id"; exec
// failures are keyed by a substring of the command.
type Hypervisor struct {
	mu         sync.Mutex
	instances  map[int]*agent.Instance
	files      map[int]map[string][]byte
	snapshots  map[int][]string
	calls      []Call
	failures   map[string]error
	execFails  map[string]error
	replies    map[string]string
	notReady   map[int]int
	neverReady map[int]bool
	firewall   int
}

func NewHypervisor() *Hypervisor {
	return &Hypervisor{
		instances:  map[int]*agent.Instance{},
		files:      map[int]map[string][]byte{},
		snapshots:  map[int][]string{},
		failures:   map[string]error{},
		execFails:  map[string]error{},
		replies:    map[string]string{},
		notReady:   map[int]int{},
		neverReady: map[int]bool{},
	}
}

func (h *Hypervisor) FailOn(op string, id int, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if id == 0 {
		h.failures[op] = err
	} else {
		h.failures[fmt.Sprintf("%s:%d", op, id)] = err
	}
}

// FailExec makes every command containing substr fail with err.
func (h *Hypervisor) FailExec(substr string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.execFails[substr] = err
}

// Reply sets the output returned for commands containing substr.
func (h *Hypervisor) Reply(substr, output string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.replies[substr] = output
}

func (h *Hypervisor) ClearFailures() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = map[string]error{}
	h.execFails = map[string]error{}
}

// NotReadyFor makes the first polls of Ready report false.
func (h *Hypervisor) NotReadyFor(id, polls int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notReady[id] = polls
}

func (h *Hypervisor) NeverReady(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.neverReady[id] = true
}

// Seed registers an instance as already existing on the host.
func (h *Hypervisor) Seed(id int, inst agent.Instance) {
	h.mu.Lock()
	defer h.mu.Unlock()
	inst.Exists = true
	h.instances[id] = &inst
}

func (h *Hypervisor) Instance(id int) (agent.Instance, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	inst, ok := h.instances[id]
	if !ok {
		return agent.Instance{}, false
	}
	return *inst, true
}

func (h *Hypervisor) File(id int, path string) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	data, ok := h.files[id][path]
	return data, ok
}

func (h *Hypervisor) Snapshots(id int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.snapshots[id]...)
}

func (h *Hypervisor) FirewallSyncs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.firewall
}

func (h *Hypervisor) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Call(nil), h.calls...)
}

// CallsTo filters the call log by operation.
func (h *Hypervisor) CallsTo(op string) []Call {
	var out []Call
	for _, c := range h.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Index returns the position of the first call matching op and id, or -1.
func (h *Hypervisor) Index(op string, id int) int {
	for i, c := range h.Calls() {
		if c.Op == op && c.Id == id {
			return i
		}
	}
	return -1
}

func (h *Hypervisor) ResetCalls() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = nil
}

// record logs the call and returns the injected failure for it, if any. Callers hold mu.
func (h *Hypervisor) record(op string, id int, detail string) error {
	h.calls = append(h.calls, Call{Op: op, Id: id, Detail: detail})
	if err, found := h.failures[fmt.Sprintf("%s:%d", op, id)]; found {
		return err
	}
	return h.failures[op]
}

func (h *Hypervisor) Inspect(_ context.Context, spec *model.ResourceSpec) (agent.Instance, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("inspect", spec.Id, ""); err != nil {
		return agent.Instance{}, err
	}
	if inst, ok := h.instances[spec.Id]; ok {
		return *inst, nil
	}
	return agent.Instance{}, nil
}

func (h *Hypervisor) Create(_ context.Context, spec *model.ResourceSpec) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("create", spec.Id, spec.BaseImage); err != nil {
		return err
	}
	if _, ok := h.instances[spec.Id]; ok {
		return errors.Errorf("resource %d already exists", spec.Id)
	}
	h.instances[spec.Id] = &agent.Instance{Exists: true, Kind: spec.Kind}
	return nil
}

func (h *Hypervisor) Clone(_ context.Context, source, spec *model.ResourceSpec) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("clone", spec.Id, fmt.Sprintf("from %d", source.Id)); err != nil {
		return err
	}
	if _, ok := h.instances[source.Id]; !ok {
		return errors.Errorf("clone source %d does not exist", source.Id)
	}
	if _, ok := h.instances[spec.Id]; ok {
		return errors.Errorf("resource %d already exists", spec.Id)
	}
	h.instances[spec.Id] = &agent.Instance{Exists: true, Kind: spec.Kind}
	return nil
}

func (h *Hypervisor) Configure(_ context.Context, spec *model.ResourceSpec) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.record("configure", spec.Id, "")
}

func (h *Hypervisor) Start(_ context.Context, spec *model.ResourceSpec) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("start", spec.Id, ""); err != nil {
		return err
	}
	inst, ok := h.instances[spec.Id]
	if !ok {
		return errors.Errorf("resource %d does not exist", spec.Id)
	}
	if inst.Template {
		return errors.Errorf("resource %d is a template", spec.Id)
	}
	inst.Running = true
	return nil
}

func (h *Hypervisor) Ready(_ context.Context, spec *model.ResourceSpec) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("ready", spec.Id, ""); err != nil {
		return false, err
	}
	if h.neverReady[spec.Id] {
		return false, nil
	}
	if h.notReady[spec.Id] > 0 {
		h.notReady[spec.Id]--
		return false, nil
	}
	inst, ok := h.instances[spec.Id]
	return ok && inst.Running, nil
}

func (h *Hypervisor) Exec(_ context.Context, spec *model.ResourceSpec, command string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("exec", spec.Id, command); err != nil {
		return "", err
	}
	for substr, err := range h.execFails {
		if strings.Contains(command, substr) {
			return "", err
		}
	}
	for substr, out := range h.replies {
		if strings.Contains(command, substr) {
			return out, nil
		}
	}
	return "", nil
}

func (h *Hypervisor) PushFile(_ context.Context, spec *model.ResourceSpec, path string, data []byte, _ os.FileMode) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("push", spec.Id, path); err != nil {
		return err
	}
	if h.files[spec.Id] == nil {
		h.files[spec.Id] = map[string][]byte{}
	}
	h.files[spec.Id][path] = append([]byte(nil), data...)
	return nil
}

func (h *Hypervisor) Snapshot(_ context.Context, spec *model.ResourceSpec, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("snapshot", spec.Id, name); err != nil {
		return err
	}
	for _, existing := range h.snapshots[spec.Id] {
		if existing == name {
			return nil
		}
	}
	h.snapshots[spec.Id] = append(h.snapshots[spec.Id], name)
	return nil
}

func (h *Hypervisor) ConvertToTemplate(_ context.Context, spec *model.ResourceSpec) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("template", spec.Id, ""); err != nil {
		return err
	}
	inst, ok := h.instances[spec.Id]
	if !ok {
		return errors.Errorf("resource %d does not exist", spec.Id)
	}
	inst.Running = false
	inst.Template = true
	return nil
}

func (h *Hypervisor) SyncFirewall(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("firewall", 0, ""); err != nil {
		return err
	}
	h.firewall++
	return nil
}
