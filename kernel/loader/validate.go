package loader

import (
	"fmt"
	"net"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/chunga-ict/phoenix/kernel/model"
	"github.com/go-playground/validator/v10"
	"github.com/openziti/foundation/v2/stringz"
	"github.com/pkg/errors"
)

// FeatureCatalog answers whether a feature name can be installed.
type FeatureCatalog interface {
	Has(name string) bool
}

type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	return e.Path + ": " + e.Message
}

type ValidationResult struct {
	Errors   []ValidationError `json:"errors,omitempty"`
	Warnings []ValidationError `json:"warnings,omitempty"`
}

func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) Summary() string {
	parts := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		parts = append(parts, e.String())
	}
	return strings.Join(parts, "; ")
}

func (r *ValidationResult) addError(path, format string, args ...any) {
	r.Errors = append(r.Errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (r *ValidationResult) addWarning(path, format string, args ...any) {
	r.Warnings = append(r.Warnings, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

// ValidateManifestBytes checks the documents without loading them. Documents that do
// not parse are reported as an error rather than a result.
func ValidateManifestBytes(docs Documents, features FeatureCatalog) (*ValidationResult, error) {
	p, err := parse(docs)
	if err != nil {
		return nil, err
	}
	return validate(p, p.manifest(docs, ""), features), nil
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// structErrors maps validator failures onto manifest paths, prefixed with prefix.
func structErrors(v *validator.Validate, s any, prefix string, result *ValidationResult) {
	err := v.Struct(s)
	if err == nil {
		return
	}
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		result.addError(prefix, "%v", err)
		return
	}
	for _, fe := range fieldErrors {
		path := fe.Namespace()
		if i := strings.Index(path, "."); i >= 0 {
			path = path[i+1:]
		}
		if prefix != "" {
			path = prefix + "." + path
		}
		if fe.Param() != "" {
			result.addError(path, "failed '%s=%s' validation", fe.Tag(), fe.Param())
		} else {
			result.addError(path, "failed '%s' validation", fe.Tag())
		}
	}
}

func validate(p *parsed, m *model.Manifest, features FeatureCatalog) *ValidationResult {
	result := &ValidationResult{}
	v := newValidator()

	if p.resources.Version == "" {
		result.addError("resources.version", "version is required")
	}
	if len(p.resources.Resources) == 0 {
		result.addWarning("resources", "manifest declares no resources")
	}
	structErrors(v, p.resources, "", result)
	structErrors(v, p.certificates, "", result)
	structErrors(v, p.network.Topology, "network", result)

	validateResources(p.resources.Resources, m, features, result)
	validateCertificates(p.certificates.Certificates, m, result)
	validateTopology(p.network.Topology, m, result)
	return result
}

func validateResources(resources []*model.ResourceSpec, m *model.Manifest, features FeatureCatalog, result *ValidationResult) {
	seen := map[int]int{}
	names := map[string]int{}
	serviceKeys := map[string]string{}
	for i, r := range resources {
		path := fmt.Sprintf("resources[%d]", i)
		if prev, dup := seen[r.Id]; dup {
			result.addError(path+".id", "duplicate id %d (also resources[%d])", r.Id, prev)
		}
		seen[r.Id] = i
		if prev, dup := names[r.Name]; dup {
			result.addError(path+".name", "duplicate name '%s' (also resources[%d])", r.Name, prev)
		}
		names[r.Name] = i

		switch {
		case r.CloneFrom != 0 && r.BaseImage != "":
			result.addError(path, "exactly one of cloneFrom or baseImage may be set")
		case r.CloneFrom == 0 && r.BaseImage == "":
			result.addError(path, "one of cloneFrom or baseImage is required")
		case r.CloneFrom != 0 && r.CloneFrom == r.Id:
			result.addError(path+".cloneFrom", "resource cannot clone itself: clone cycle: %d -> %d", r.Id, r.Id)
		case r.CloneFrom != 0:
			source, ok := m.Resource(r.CloneFrom)
			if !ok {
				result.addError(path+".cloneFrom", "unknown resource %d", r.CloneFrom)
			} else {
				if source.Kind != r.Kind {
					result.addError(path+".cloneFrom", "cannot clone %s from %s %s", r.Kind, source.Kind, source.Label())
				}
				if !source.IsTemplate {
					result.addWarning(path+".cloneFrom", "clone source %s is not a template", source.Label())
				}
				if _, rooted := m.RootImage(r.Id); !rooted {
					if loop := m.CloneCycle(r.Id); loop != nil {
						result.addError(path+".cloneFrom", "clone cycle: %s", joinIds(loop))
					} else {
						result.addError(path+".cloneFrom", "clone chain does not reach a base image")
					}
				}
			}
		}

		refs(path+".dependsOn", r.Id, r.DependsOn, m, result)
		refs(path+".networkPeers", r.Id, r.NetworkPeers, m, result)

		inherited := m.InheritedFeatures(r.Id)
		declared := map[string]bool{}
		for j, f := range r.Features {
			fpath := fmt.Sprintf("%s.features[%d]", path, j)
			if features != nil && !features.Has(f) {
				result.addError(fpath, "unknown feature '%s'", f)
			}
			if declared[f] {
				result.addWarning(fpath, "feature '%s' listed twice", f)
			}
			declared[f] = true
			if stringz.Contains(inherited, f) {
				result.addWarning(fpath, "feature '%s' is already applied by the clone source", f)
			}
		}

		checks := map[string]bool{}
		for j, hc := range r.HealthChecks {
			if checks[hc.Name] {
				result.addError(fmt.Sprintf("%s.healthChecks[%d].name", path, j), "duplicate health check '%s'", hc.Name)
			}
			checks[hc.Name] = true
		}
		services := map[string]bool{}
		for j, svc := range r.Services {
			spath := fmt.Sprintf("%s.services[%d]", path, j)
			if services[svc.Name] {
				result.addError(spath+".name", "duplicate service '%s'", svc.Name)
				continue
			}
			services[svc.Name] = true
			key := r.ServiceKey(&r.Services[j])
			if prev, dup := serviceKeys[key]; dup {
				result.addError(spath+".name", "routes as '%s', already used by %s", key, prev)
			}
			serviceKeys[key] = spath
		}
		if len(r.Services) > 0 && r.Address == "" {
			result.addWarning(path+".services", "services declared without an address are not routed")
		}
	}
}

func joinIds(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, " -> ")
}

func refs(path string, self int, ids []int, m *model.Manifest, result *ValidationResult) {
	for j, id := range ids {
		if id == self {
			result.addError(fmt.Sprintf("%s[%d]", path, j), "resource cannot reference itself")
		} else if _, ok := m.Resource(id); !ok {
			result.addError(fmt.Sprintf("%s[%d]", path, j), "unknown resource %d", id)
		}
	}
}

func validateCertificates(certs []*model.CertificateDescriptor, m *model.Manifest, result *ValidationResult) {
	names := map[string]int{}
	paths := map[string]int{}
	for i, c := range certs {
		path := fmt.Sprintf("certificates[%d]", i)
		if prev, dup := names[c.CommonName]; dup {
			result.addError(path+".commonName", "duplicate commonName '%s' (also certificates[%d])", c.CommonName, prev)
		}
		names[c.CommonName] = i
		if prev, dup := paths[c.IssuancePath]; dup && c.IssuancePath != "" {
			result.addError(path+".issuancePath", "issuancePath shared with certificates[%d]", prev)
		}
		paths[c.IssuancePath] = i
		if c.Validity.Std() <= 0 {
			result.addError(path+".validity", "validity must be positive")
		}
		for j, id := range c.Consumers {
			if _, ok := m.Resource(id); !ok {
				result.addError(fmt.Sprintf("%s.consumers[%d]", path, j), "unknown resource %d", id)
			}
		}
		if pi := c.PostIssuance; pi != nil {
			switch pi.Type {
			case model.PostIssuanceExec:
				if pi.Command == "" {
					result.addError(path+".postIssuance.command", "exec action requires a command")
				}
				if len(c.Consumers) == 0 {
					result.addWarning(path+".postIssuance", "exec action has no consumers to run in")
				}
			case model.PostIssuanceClusterSecret:
				if pi.SecretName == "" {
					result.addError(path+".postIssuance.secretName", "cluster-secret action requires a secretName")
				}
				if m.Topology.Cluster.Empty() {
					result.addError(path+".postIssuance", "cluster-secret action requires a declared cluster")
				}
			}
		}
	}
}

func validateTopology(t model.Topology, m *model.Manifest, result *ValidationResult) {
	hosts := make([]string, 0, len(t.DNSRecords))
	for host := range t.DNSRecords {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	for _, host := range hosts {
		if addr := t.DNSRecords[host]; net.ParseIP(addr) == nil {
			result.addError("network.dnsRecords."+host, "'%s' is not an IP address", addr)
		}
	}
	members := map[int]string{}
	roles := []struct {
		name string
		ids  []int
	}{{"managers", t.Cluster.Managers}, {"workers", t.Cluster.Workers}}
	for _, role := range roles {
		for j, id := range role.ids {
			path := fmt.Sprintf("network.cluster.%s[%d]", role.name, j)
			if _, ok := m.Resource(id); !ok {
				result.addError(path, "unknown resource %d", id)
			}
			if other, dup := members[id]; dup {
				result.addError(path, "resource %d is already listed in %s", id, other)
			}
			members[id] = role.name
		}
	}
	if len(t.Cluster.Workers) > 0 && len(t.Cluster.Managers) == 0 {
		result.addError("network.cluster.managers", "workers declared without a manager")
	}
	if len(t.Stacks) > 0 && len(t.Cluster.Managers) == 0 {
		result.addError("network.stacks", "stacks declared without a cluster manager")
	}
	if len(t.Cluster.Managers) > 0 {
		if lead, ok := m.Resource(t.Cluster.Managers[0]); ok && lead.Address == "" && len(t.Cluster.Managers)+len(t.Cluster.Workers) > 1 {
			result.addError("network.cluster.managers[0]", "lead manager %s needs an address for others to join", lead.Label())
		}
	}
	if t.Gateway.Resource != 0 {
		if _, ok := m.Resource(t.Gateway.Resource); !ok {
			result.addError("network.gateway.resource", "unknown resource %d", t.Gateway.Resource)
		}
	}
}
