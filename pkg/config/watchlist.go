package config

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// WatchEntry seeds one tracked wallet at startup.
type WatchEntry struct {
	ChatID    int64   `yaml:"chat_id"`
	Address   string  `yaml:"address"`
	Threshold *string `yaml:"threshold_usd"`
	Label     string  `yaml:"label"`
}

// Watchlist is the YAML seed file layout.
type Watchlist struct {
	Wallets []WatchEntry `yaml:"wallets"`
}

// ThresholdValue returns the parsed threshold. Valid is false when the entry
// leaves it to the default.
func (e WatchEntry) ThresholdValue() (decimal.NullDecimal, error) {
	if e.Threshold == nil {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(*e.Threshold)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("watchlist %s: threshold_usd: %w", e.Address, err)
	}
	return decimal.NewNullDecimal(d), nil
}

// LoadWatchlist reads a watchlist file. An empty path yields no entries.
func LoadWatchlist(path string) ([]WatchEntry, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read watchlist: %w", err)
	}
	var wl Watchlist
	if err := yaml.Unmarshal(data, &wl); err != nil {
		return nil, fmt.Errorf("parse watchlist: %w", err)
	}
	for i, e := range wl.Wallets {
		if e.ChatID == 0 || e.Address == "" {
			return nil, fmt.Errorf("watchlist entry %d: chat_id and address are required", i)
		}
		if _, err := e.ThresholdValue(); err != nil {
			return nil, err
		}
	}
	return wl.Wallets, nil
}
