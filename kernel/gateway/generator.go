// Package gateway renders Traefik dynamic configuration for the edge gateway and the
// service mesh from the manifest and the discovered name to address table.
package gateway

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/chunga-ict/phoenix/kernel/model"
	"github.com/chunga-ict/phoenix/kernel/store"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

var entryPoints = map[model.Scope]string{
	model.ScopeEdge: "websecure",
	model.ScopeMesh: "web",
}

// Rule is one routed service.
type Rule struct {
	Name       string
	Resource   int
	Scope      model.Scope
	Host       string
	PathPrefix string
	Hostname   string
	Backend    string
}

func (r Rule) match() string {
	m := fmt.Sprintf("Host(`%s`)", r.Host)
	if r.PathPrefix != "" {
		m += fmt.Sprintf(" && PathPrefix(`%s`)", r.PathPrefix)
	}
	return m
}

// Hostname resolves an address to the smallest hostname the table maps to it.
func Hostname(addresses map[string]string, address string) (string, bool) {
	var names []string
	for name, addr := range addresses {
		if addr == address {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "", false
	}
	sort.Strings(names)
	return names[0], true
}

// Rules derives the routed services. Resources whose address resolves to no hostname
// are left out.
func Rules(mf *model.Manifest, addresses map[string]string) []Rule {
	var rules []Rule
	for _, id := range mf.Ids() {
		r, _ := mf.Resource(id)
		if len(r.Services) == 0 || r.Address == "" {
			continue
		}
		hostname, found := Hostname(addresses, r.Address)
		if !found {
			continue
		}
		for _, svc := range r.Services {
			rules = append(rules, Rule{
				Name:       r.ServiceKey(&svc),
				Resource:   r.Id,
				Scope:      svc.EffectiveScope(),
				Host:       svc.Host,
				PathPrefix: svc.PathPrefix,
				Hostname:   hostname,
				Backend:    fmt.Sprintf("%s://%s:%s", svc.EffectiveScheme(), addresses[hostname], strconv.Itoa(svc.Port)),
			})
		}
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })
	return rules
}

type document struct {
	HTTP httpConfig `yaml:"http"`
}

type httpConfig struct {
	Routers  map[string]router  `yaml:"routers"`
	Services map[string]service `yaml:"services"`
}

type router struct {
	Rule        string    `yaml:"rule"`
	Service     string    `yaml:"service"`
	EntryPoints []string  `yaml:"entryPoints"`
	TLS         *struct{} `yaml:"tls,omitempty"`
}

type service struct {
	LoadBalancer loadBalancer `yaml:"loadBalancer"`
}

type loadBalancer struct {
	Servers []server `yaml:"servers"`
}

type server struct {
	URL string `yaml:"url"`
}

// Render produces one YAML document per scope. Identical inputs give identical bytes.
func Render(mf *model.Manifest, addresses map[string]string) (map[model.Scope][]byte, error) {
	docs := map[model.Scope]*document{}
	for _, scope := range []model.Scope{model.ScopeEdge, model.ScopeMesh} {
		docs[scope] = &document{HTTP: httpConfig{Routers: map[string]router{}, Services: map[string]service{}}}
	}
	owners := map[string]int{}
	for _, rule := range Rules(mf, addresses) {
		if owner, taken := owners[rule.Name]; taken {
			return nil, errors.Errorf("services of resources %d and %d both route as [%s]", owner, rule.Resource, rule.Name)
		}
		owners[rule.Name] = rule.Resource
		doc := docs[rule.Scope]
		rt := router{Rule: rule.match(), Service: rule.Name, EntryPoints: []string{entryPoints[rule.Scope]}}
		if rule.Scope == model.ScopeEdge {
			rt.TLS = &struct{}{}
		}
		doc.HTTP.Routers[rule.Name] = rt
		doc.HTTP.Services[rule.Name] = service{LoadBalancer: loadBalancer{Servers: []server{{URL: rule.Backend}}}}
	}

	out := map[model.Scope][]byte{}
	for scope, doc := range docs {
		data, err := yaml.Marshal(doc)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to render %s configuration", scope)
		}
		out[scope] = data
	}
	return out, nil
}

// WriteIfChanged replaces path only when its content differs, reporting whether it did.
func WriteIfChanged(path string, data []byte) (bool, error) {
	current, err := os.ReadFile(path)
	if err == nil && bytes.Equal(current, data) {
		return false, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return false, errors.Wrapf(err, "unable to read [%s]", path)
	}
	if err := store.WriteFileAtomic(path, data, 0644); err != nil {
		return false, err
	}
	return true, nil
}

// FileNames returns the configured file name per scope, defaulting to edge.yml and
// mesh.yml.
func FileNames(topology *model.Topology) map[model.Scope]string {
	names := map[model.Scope]string{model.ScopeEdge: "edge.yml", model.ScopeMesh: "mesh.yml"}
	if topology.Gateway.EdgeFile != "" {
		names[model.ScopeEdge] = topology.Gateway.EdgeFile
	}
	if topology.Gateway.MeshFile != "" {
		names[model.ScopeMesh] = topology.Gateway.MeshFile
	}
	return names
}

// Publisher delivers a rendered document before the local copy is replaced.
type Publisher func(scope model.Scope, name string, data []byte) error

// Generate renders both documents into dir. For every scope whose file is out of date
// it calls publish first, so a failed publish leaves the stale copy behind and the
// next run tries again. It returns the scopes that changed.
func Generate(mf *model.Manifest, dir string, publish Publisher) ([]model.Scope, error) {
	rendered, err := Render(mf, mf.Topology.DNSRecords)
	if err != nil {
		return nil, err
	}
	names := FileNames(mf.Topology)
	var changed []model.Scope
	for _, scope := range []model.Scope{model.ScopeEdge, model.ScopeMesh} {
		path := filepath.Join(dir, names[scope])
		current, err := os.ReadFile(path)
		if err == nil && bytes.Equal(current, rendered[scope]) {
			continue
		}
		if publish != nil {
			if err := publish(scope, names[scope], rendered[scope]); err != nil {
				return changed, errors.Wrapf(err, "unable to publish %s configuration", scope)
			}
		}
		if _, err := WriteIfChanged(path, rendered[scope]); err != nil {
			return changed, err
		}
		changed = append(changed, scope)
	}
	return changed, nil
}

// Forget removes the local copies of scopes, forcing the next Generate to publish
// them again.
func Forget(topology *model.Topology, dir string, scopes []model.Scope) {
	names := FileNames(topology)
	for _, scope := range scopes {
		_ = os.Remove(filepath.Join(dir, names[scope]))
	}
}
