package loader

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/chunga-ict/phoenix/kernel/model"
	"github.com/pkg/errors"
)

const (
	ResourcesFile    = "resources.json"
	CertificatesFile = "certificates.json"
	NetworkFile      = "network.json"

	defaultEdgeFile = "edge.yml"
	defaultMeshFile = "mesh.yml"
)

type resourcesDoc struct {
	Version   string                `json:"version"`
	Resources []*model.ResourceSpec `json:"resources" validate:"dive"`
}

type certificatesDoc struct {
	Version      string                         `json:"version"`
	Certificates []*model.CertificateDescriptor `json:"certificates" validate:"dive"`
}

type networkDoc struct {
	Version string `json:"version"`
	model.Topology
}

// Documents holds the raw manifest documents. Certificates and Network may be empty.
type Documents struct {
	Resources    []byte
	Certificates []byte
	Network      []byte
}

// Digest identifies a manifest revision; any byte change to any document changes it.
func (d Documents) Digest() string {
	h := sha256.New()
	for _, doc := range [][]byte{d.Resources, d.Certificates, d.Network} {
		h.Write(doc)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ReadDocuments reads the manifest documents from dir. Only resources.json is required.
func ReadDocuments(dir string) (Documents, error) {
	var docs Documents
	var err error
	if docs.Resources, err = os.ReadFile(filepath.Join(dir, ResourcesFile)); err != nil {
		return docs, errors.Wrapf(err, "unable to read [%s]", filepath.Join(dir, ResourcesFile))
	}
	if docs.Certificates, err = readOptional(filepath.Join(dir, CertificatesFile)); err != nil {
		return docs, err
	}
	if docs.Network, err = readOptional(filepath.Join(dir, NetworkFile)); err != nil {
		return docs, err
	}
	return docs, nil
}

func readOptional(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read [%s]", path)
	}
	return data, nil
}

func decodeStrict(data []byte, into any, name string) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return errors.Wrapf(err, "unable to parse [%s]", name)
	}
	return nil
}

type parsed struct {
	resources    resourcesDoc
	certificates certificatesDoc
	network      networkDoc
}

func parse(docs Documents) (*parsed, error) {
	p := &parsed{}
	if err := decodeStrict(docs.Resources, &p.resources, ResourcesFile); err != nil {
		return nil, err
	}
	if err := decodeStrict(docs.Certificates, &p.certificates, CertificatesFile); err != nil {
		return nil, err
	}
	if err := decodeStrict(docs.Network, &p.network, NetworkFile); err != nil {
		return nil, err
	}
	gw := &p.network.Gateway
	if gw.Resource != 0 {
		if gw.EdgeFile == "" {
			gw.EdgeFile = defaultEdgeFile
		}
		if gw.MeshFile == "" {
			gw.MeshFile = defaultMeshFile
		}
	}
	return p, nil
}

func (p *parsed) manifest(docs Documents, dir string) *model.Manifest {
	topology := p.network.Topology
	m := model.NewManifest(p.resources.Resources, p.certificates.Certificates, &topology)
	m.Version = p.resources.Version
	m.Digest = docs.Digest()
	m.Dir = dir
	return m
}

// InvalidManifestError is returned by LoadManifest when validation finds errors.
type InvalidManifestError struct {
	Result *ValidationResult
}

func (e *InvalidManifestError) Error() string {
	return "invalid manifest: " + e.Result.Summary()
}

// LoadManifest reads, parses and validates the manifest documents in dir. Nothing is
// returned unless the whole manifest validates.
func LoadManifest(dir string, features FeatureCatalog) (*model.Manifest, error) {
	docs, err := ReadDocuments(dir)
	if err != nil {
		return nil, err
	}
	return LoadManifestBytes(docs, dir, features)
}

func LoadManifestBytes(docs Documents, dir string, features FeatureCatalog) (*model.Manifest, error) {
	p, err := parse(docs)
	if err != nil {
		return nil, err
	}
	m := p.manifest(docs, dir)
	result := validate(p, m, features)
	if !result.IsValid() {
		return nil, &InvalidManifestError{Result: result}
	}
	return m, nil
}
