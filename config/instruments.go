package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// InstrumentSet is the optional instruments file. Entries sharing a local IP
// open their REST and websocket connections from that address.
type InstrumentSet struct {
	Instruments []InstrumentConfig `yaml:"instruments"`
}

// LoadInstruments loads an instruments file from the given path.
func LoadInstruments(path string) (*InstrumentSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read instruments file: %w", err)
	}
	var set InstrumentSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("failed to parse instruments file: %w", err)
	}
	for i := range set.Instruments {
		set.Instruments[i].Symbol = strings.ToUpper(strings.TrimSpace(set.Instruments[i].Symbol))
		set.Instruments[i].LocalIP = strings.TrimSpace(set.Instruments[i].LocalIP)
	}
	return &set, nil
}

// MergeInstruments overrides cfg.Instruments with the file's entries and
// revalidates.
func (c *Config) MergeInstruments(set *InstrumentSet) error {
	if set == nil || len(set.Instruments) == 0 {
		return nil
	}
	c.Instruments = append([]InstrumentConfig(nil), set.Instruments...)
	if err := validateConfig(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

// Instrument returns the entry for symbol.
func (c *Config) Instrument(symbol string) (InstrumentConfig, bool) {
	symbol = strings.ToUpper(symbol)
	for _, inst := range c.Instruments {
		if inst.Symbol == symbol {
			return inst, true
		}
	}
	return InstrumentConfig{}, false
}
