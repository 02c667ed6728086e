// Package directory resolves configured networks by name or chain id.
package directory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/yourorg/impersonator/internal/model"
	"github.com/yourorg/impersonator/internal/store"
	"gopkg.in/yaml.v3"
)

// Source supplies the current settings snapshot.
type Source interface {
	Snapshot() store.State
}

// Directory is a read-only view over the stored network map. Every lookup
// reads a fresh snapshot, so edits are visible immediately.
type Directory struct {
	src Source
}

// New creates a directory backed by src.
func New(src Source) *Directory {
	return &Directory{src: src}
}

// Resolve looks up a network by name. The active endpoint is the first
// configured RPC URL; an entry without one does not resolve.
func (d *Directory) Resolve(name string) (model.ActiveNetwork, bool) {
	return resolve(d.src.Snapshot(), name)
}

// ByChainID returns the first network, in name order, whose chain id matches.
func (d *Directory) ByChainID(chainID int64) (model.ActiveNetwork, bool) {
	st := d.src.Snapshot()
	for _, name := range st.NetworkNames() {
		if st.Networks[name].ChainID != chainID {
			continue
		}
		if network, ok := resolve(st, name); ok {
			return network, true
		}
	}
	return model.ActiveNetwork{}, false
}

// Names lists configured networks in sorted order.
func (d *Directory) Names() []string {
	return d.src.Snapshot().NetworkNames()
}

// Default returns the first network in name order, used when nothing has
// been selected yet.
func (d *Directory) Default() (model.ActiveNetwork, bool) {
	st := d.src.Snapshot()
	for _, name := range st.NetworkNames() {
		if network, ok := resolve(st, name); ok {
			return network, true
		}
	}
	return model.ActiveNetwork{}, false
}

func resolve(st store.State, name string) (model.ActiveNetwork, bool) {
	entry, ok := st.Networks[name]
	if !ok {
		return model.ActiveNetwork{}, false
	}
	url := entry.RPCURLs.Primary()
	if url == "" {
		return model.ActiveNetwork{}, false
	}
	return model.ActiveNetwork{Name: name, ChainID: entry.ChainID, RPCURL: url}, true
}

// LoadSeedFile reads a network seed from a YAML or JSON file. JSON is
// accepted because it is a subset of YAML.
func LoadSeedFile(path string) (map[string]model.NetworkEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read network seed %s: %w", path, err)
	}
	var seed map[string]model.NetworkEntry
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse network seed %s: %w", filepath.Base(path), err)
	}
	for name := range seed {
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("parse network seed %s: empty network name", filepath.Base(path))
		}
	}
	return seed, nil
}
