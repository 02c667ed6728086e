// Package store persists the impersonation settings shared by the UI and the relay.
//
// State is a small key/value document kept in one JSON file. Every setter
// writes the whole document atomically and then publishes a Change for each
// key it modified. Edits made to the file by another process are picked up by
// Watch. There is no cross-process locking; the last write wins.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/event"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/impersonator/internal/model"
)

// Key names a persisted setting.
type Key string

// Persisted keys
const (
	KeyEnabled        Key = "isEnabled"
	KeyAddress        Key = "address"
	KeyDisplayAddress Key = "displayAddress"
	KeyChainName      Key = "chainName"
	KeyNetworks       Key = "networksInfo"
	KeySimulation     Key = "simulationInfo"
)

// State is the persisted document.
type State struct {
	IsEnabled      bool                          `json:"isEnabled"`
	Address        string                        `json:"address,omitempty"`
	DisplayAddress string                        `json:"displayAddress,omitempty"`
	ChainName      string                        `json:"chainName,omitempty"`
	Networks       map[string]model.NetworkEntry `json:"networksInfo,omitempty"`
	Simulation     *model.SimulationInfo         `json:"simulationInfo,omitempty"`
}

// NetworkNames returns the configured network names in sorted order.
func (s State) NetworkNames() []string {
	names := make([]string, 0, len(s.Networks))
	for name := range s.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s State) clone() State {
	out := s
	if s.Networks != nil {
		out.Networks = make(map[string]model.NetworkEntry, len(s.Networks))
		for name, entry := range s.Networks {
			entry.RPCURLs = append(model.RPCList(nil), entry.RPCURLs...)
			out.Networks[name] = entry
		}
	}
	if s.Simulation != nil {
		sim := *s.Simulation
		out.Simulation = &sim
	}
	return out
}

func defaultState() State {
	return State{IsEnabled: true}
}

// Change is published after a key has been written.
type Change struct {
	Key   Key
	State State
}

// Store is the file-backed settings store. A Store with an empty path keeps
// its state in memory only.
type Store struct {
	path string

	mu    sync.RWMutex
	state State

	feed event.Feed
}

// NewMemory returns a store that never touches the filesystem.
func NewMemory() *Store {
	return &Store{state: defaultState()}
}

// Open loads the store at path. A missing file yields the default state and
// is created on the first write.
func Open(path string) (*Store, error) {
	if path == "" {
		return NewMemory(), nil
	}
	s := &Store{path: path, state: defaultState()}
	state, err := readState(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logrus.Infof("Store %s not found, starting with defaults", path)
	case err != nil:
		return nil, err
	default:
		s.state = state
	}
	return s, nil
}

// Path returns the backing file, or "" for a memory store.
func (s *Store) Path() string {
	return s.path
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// Subscribe registers ch for change notifications.
func (s *Store) Subscribe(ch chan<- Change) event.Subscription {
	return s.feed.Subscribe(ch)
}

// SetEnabled toggles injection for subsequent page loads.
func (s *Store) SetEnabled(enabled bool) error {
	return s.update(func(st *State) {
		st.IsEnabled = enabled
	})
}

// SetIdentity stores the impersonated account and its display label.
func (s *Store) SetIdentity(id model.Identity) error {
	return s.update(func(st *State) {
		st.Address = id.Address
		st.DisplayAddress = id.DisplayAddress
	})
}

// SetChainName stores the selected network.
func (s *Store) SetChainName(name string) error {
	return s.update(func(st *State) {
		st.ChainName = name
	})
}

// SetNetworks replaces the whole network directory.
func (s *Store) SetNetworks(networks map[string]model.NetworkEntry) error {
	return s.update(func(st *State) {
		st.Networks = State{Networks: networks}.clone().Networks
	})
}

// PutNetwork adds or replaces one directory entry.
func (s *Store) PutNetwork(name string, entry model.NetworkEntry) error {
	return s.update(func(st *State) {
		if st.Networks == nil {
			st.Networks = make(map[string]model.NetworkEntry)
		}
		st.Networks[name] = entry
	})
}

// SetSimulation stores or clears the simulation credentials.
func (s *Store) SetSimulation(info *model.SimulationInfo) error {
	return s.update(func(st *State) {
		if info == nil {
			st.Simulation = nil
			return
		}
		sim := *info
		st.Simulation = &sim
	})
}

// Seed installs networks when the directory is still empty. It reports
// whether anything was written.
func (s *Store) Seed(networks map[string]model.NetworkEntry) (bool, error) {
	if len(networks) == 0 {
		return false, nil
	}
	seeded := false
	err := s.update(func(st *State) {
		if len(st.Networks) > 0 {
			return
		}
		st.Networks = State{Networks: networks}.clone().Networks
		seeded = true
	})
	return seeded, err
}

// update applies fn to a copy of the state, persists it and publishes the
// changed keys. Subscribers are notified outside the lock.
func (s *Store) update(fn func(*State)) error {
	s.mu.Lock()
	next := s.state.clone()
	fn(&next)
	changed := diff(s.state, next)
	if len(changed) == 0 {
		s.mu.Unlock()
		return nil
	}
	if err := s.persist(next); err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = next
	s.mu.Unlock()

	s.publish(changed, next)
	return nil
}

func (s *Store) publish(keys []Key, state State) {
	for _, key := range keys {
		s.feed.Send(Change{Key: key, State: state.clone()})
	}
}

func (s *Store) persist(state State) error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal store: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	return atomicWriteFile(s.path, data, 0o600)
}

// atomicWriteFile writes data to a fresh temp file next to path and renames
// it into place. Each writer gets its own temp file.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create tmp: %w", err)
	}
	tmp := f.Name()
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmp)
	}

	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write tmp: %w", err)
	}
	if err := f.Chmod(perm); err != nil {
		cleanup()
		return fmt.Errorf("chmod tmp: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func readState(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return State{}, err
	}
	state := defaultState()
	if len(data) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("decode store %s: %w", path, err)
	}
	return state, nil
}

// diff lists the keys whose values differ between a and b.
func diff(a, b State) []Key {
	var keys []Key
	if a.IsEnabled != b.IsEnabled {
		keys = append(keys, KeyEnabled)
	}
	if a.Address != b.Address {
		keys = append(keys, KeyAddress)
	}
	if a.DisplayAddress != b.DisplayAddress {
		keys = append(keys, KeyDisplayAddress)
	}
	if a.ChainName != b.ChainName {
		keys = append(keys, KeyChainName)
	}
	if !networksEqual(a.Networks, b.Networks) {
		keys = append(keys, KeyNetworks)
	}
	if !reflect.DeepEqual(a.Simulation, b.Simulation) {
		keys = append(keys, KeySimulation)
	}
	return keys
}

func networksEqual(a, b map[string]model.NetworkEntry) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
