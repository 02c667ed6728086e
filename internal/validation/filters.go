// Package validation checks network entries, addresses and simulation
// credentials before they reach the store.
package validation

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/impersonator/internal/model"
)

// ValidationOptions holds configuration for the validation process
type ValidationOptions struct {
	// AllowedSchemes lists the accepted RPC URL schemes
	AllowedSchemes []string

	// MaxChainID caps chain ids; pages hand them around as JS numbers
	MaxChainID int64

	// RequireUniqueChainIDs rejects a second entry for a chain id already present
	RequireUniqueChainIDs bool
}

// DefaultValidationOptions returns sensible defaults for validation
func DefaultValidationOptions() ValidationOptions {
	return ValidationOptions{
		AllowedSchemes:        []string{"http", "https", "ws", "wss"},
		MaxChainID:            1<<53 - 1,
		RequireUniqueChainIDs: false,
	}
}

// ValidateNetworkEntry checks a single directory entry.
func ValidateNetworkEntry(name string, entry model.NetworkEntry, opts ValidationOptions) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("network name is empty")
	}
	if entry.ChainID <= 0 || entry.ChainID > opts.MaxChainID {
		return fmt.Errorf("network %q: chain id %d out of range", name, entry.ChainID)
	}
	if len(entry.RPCURLs) == 0 {
		return fmt.Errorf("network %q: no rpc url", name)
	}
	for _, raw := range entry.RPCURLs {
		if err := validateRPCURL(raw, opts); err != nil {
			return fmt.Errorf("network %q: %w", name, err)
		}
	}
	return nil
}

func validateRPCURL(raw string, opts ValidationOptions) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("rpc url %q: %w", raw, err)
	}
	if u.Host == "" {
		return fmt.Errorf("rpc url %q: missing host", raw)
	}
	for _, scheme := range opts.AllowedSchemes {
		if strings.EqualFold(u.Scheme, scheme) {
			return nil
		}
	}
	return fmt.Errorf("rpc url %q: scheme %q not allowed", raw, u.Scheme)
}

// FilterInvalid removes directory entries that fail validation.
// This is the main entrypoint for the validation package.
func FilterInvalid(networks map[string]model.NetworkEntry) map[string]model.NetworkEntry {
	return FilterInvalidWithOptions(networks, DefaultValidationOptions())
}

// FilterInvalidWithOptions removes entries with custom validation options.
// Entries are visited in name order so duplicate chain ids resolve the same
// way every time.
func FilterInvalidWithOptions(networks map[string]model.NetworkEntry, opts ValidationOptions) map[string]model.NetworkEntry {
	names := make([]string, 0, len(networks))
	for name := range networks {
		names = append(names, name)
	}
	sort.Strings(names)

	valid := make(map[string]model.NetworkEntry, len(networks))
	seen := make(map[int64]string)
	for _, name := range names {
		entry := networks[name]
		if err := ValidateNetworkEntry(name, entry, opts); err != nil {
			logrus.WithFields(logrus.Fields{
				"network":  name,
				"chain_id": entry.ChainID,
			}).WithError(err).Warn("Filtered invalid network")
			continue
		}
		if first, dup := seen[entry.ChainID]; dup && opts.RequireUniqueChainIDs {
			logrus.WithFields(logrus.Fields{
				"network":  name,
				"chain_id": entry.ChainID,
				"kept":     first,
			}).Warn("Filtered network with duplicate chain id")
			continue
		}
		seen[entry.ChainID] = name
		valid[name] = entry
	}

	logrus.WithFields(logrus.Fields{
		"total":    len(networks),
		"filtered": len(networks) - len(valid),
	}).Debug("Network filtering complete")
	return valid
}

// IsAddress reports whether s is a 20-byte hex account address.
func IsAddress(s string) bool {
	return common.IsHexAddress(strings.TrimSpace(s))
}

// ValidateSimulation checks that credentials are either complete or absent.
func ValidateSimulation(info model.SimulationInfo) error {
	set := 0
	for _, v := range []string{info.AccountSlug, info.ProjectSlug, info.AccessKey} {
		if strings.TrimSpace(v) != "" {
			set++
		}
	}
	if set != 0 && set != 3 {
		return fmt.Errorf("simulation settings need account slug, project slug and access key")
	}
	for _, slug := range []string{info.AccountSlug, info.ProjectSlug} {
		if strings.ContainsAny(slug, "/?#") {
			return fmt.Errorf("simulation slug %q contains a reserved character", slug)
		}
	}
	return nil
}
