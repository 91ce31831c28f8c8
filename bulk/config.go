package bulk

import (
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// MaxRetriesLimit bounds ProviderConfig.MaxRetries.
const MaxRetriesLimit = 10

// ProviderConfig throttles a run for one mail provider.
type ProviderConfig struct {
	BatchSize           int
	DelayBetweenBatches time.Duration
	ConcurrentSends     int
	MaxRetries          int
}

func (c ProviderConfig) validate() error {
	if c.BatchSize < 1 {
		return errors.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.ConcurrentSends < 1 {
		return errors.Errorf("concurrent sends must be positive, got %d", c.ConcurrentSends)
	}
	if c.MaxRetries < 1 || c.MaxRetries > MaxRetriesLimit {
		return errors.Errorf("max retries must be between 1 and %d, got %d", MaxRetriesLimit, c.MaxRetries)
	}
	if c.DelayBetweenBatches < 0 {
		return errors.Errorf("delay between batches must not be negative, got %s", c.DelayBetweenBatches)
	}
	return nil
}

const DefaultProvider = "gmail"

// ProviderTable maps provider names to configs. It is read-only after
// construction and safe for concurrent use.
type ProviderTable struct {
	def     string
	entries map[string]ProviderConfig
}

// NewProviderTable copies entries; names are matched case-insensitively.
// def must be one of the entries.
func NewProviderTable(def string, entries map[string]ProviderConfig) (*ProviderTable, error) {
	t := &ProviderTable{
		def:     strings.ToLower(def),
		entries: make(map[string]ProviderConfig, len(entries)),
	}

	for name, cfg := range entries {
		if err := cfg.validate(); err != nil {
			return nil, errors.Wrapf(err, "provider %q", name)
		}
		t.entries[strings.ToLower(name)] = cfg
	}

	if _, ok := t.entries[t.def]; !ok {
		return nil, errors.Errorf("default provider %q is not in the table", def)
	}

	return t, nil
}

// DefaultProviders returns the built-in table of well-known webmail providers.
func DefaultProviders() *ProviderTable {
	t, err := NewProviderTable(DefaultProvider, map[string]ProviderConfig{
		"gmail":   {BatchSize: 10, DelayBetweenBatches: 2000 * time.Millisecond, ConcurrentSends: 3, MaxRetries: 3},
		"outlook": {BatchSize: 15, DelayBetweenBatches: 1500 * time.Millisecond, ConcurrentSends: 5, MaxRetries: 2},
		"yahoo":   {BatchSize: 8, DelayBetweenBatches: 2500 * time.Millisecond, ConcurrentSends: 2, MaxRetries: 3},
		"hotmail": {BatchSize: 12, DelayBetweenBatches: 1800 * time.Millisecond, ConcurrentSends: 4, MaxRetries: 2},
	})
	if err != nil {
		panic(err)
	}
	return t
}

// Lookup returns the config for name. Unknown names get the default config
// and ok == false.
func (t *ProviderTable) Lookup(name string) (cfg ProviderConfig, ok bool) {
	cfg, ok = t.entries[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		cfg = t.entries[t.def]
	}
	return cfg, ok
}

// Default returns the default provider name and its config.
func (t *ProviderTable) Default() (string, ProviderConfig) {
	return t.def, t.entries[t.def]
}

// Names returns the known provider names, sorted.
func (t *ProviderTable) Names() []string {
	names := make([]string, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
