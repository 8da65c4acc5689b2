// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/slotmap"
	"github.com/tailscale/hujson"
)

const (
	variantBasic = "basic"
	variantHop   = "hop"
	variantDense = "dense"
)

var errUnknownVariant = errors.New("unknown variant")

// Config holds the settings that can be given in a config file. Flags given
// on the command line take precedence.
type Config struct {
	Variant  string `json:"variant"`
	Capacity int    `json:"capacity"`
	MaxLen   uint32 `json:"max_len"`
	History  string `json:"history"`
}

func defaultConfig() Config {
	return Config{
		Variant: variantBasic,
		History: defaultHistoryFile(),
	}
}

func defaultHistoryFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".slotctl_history")
}

// loadConfigFile reads a JSONC config file and merges it over base.
func loadConfigFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading config %s", path)
	}
	cfg, err := parseConfig(data)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config %s", path)
	}
	return mergeConfig(base, cfg), nil
}

func parseConfig(data []byte) (Config, error) {
	// Comments and trailing commas are allowed.
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, errors.Wrap(err, "invalid JSONC")
	}
	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "invalid JSON")
	}
	return cfg, nil
}

func mergeConfig(base, overlay Config) Config {
	if overlay.Variant != "" {
		base.Variant = overlay.Variant
	}
	if overlay.Capacity != 0 {
		base.Capacity = overlay.Capacity
	}
	if overlay.MaxLen != 0 {
		base.MaxLen = overlay.MaxLen
	}
	if overlay.History != "" {
		base.History = overlay.History
	}
	return base
}

func (c Config) validate() error {
	switch c.Variant {
	case variantBasic, variantHop, variantDense:
	default:
		return errors.Wrapf(errUnknownVariant, "%q (want %s, %s or %s)",
			c.Variant, variantBasic, variantHop, variantDense)
	}
	if c.Capacity < 0 {
		return errors.Newf("negative capacity %d", c.Capacity)
	}
	return nil
}

// container is the subset of the primary container API used by the REPL.
type container interface {
	TryInsert(value string) (slotmap.Key, error)
	Contains(k slotmap.Key) bool
	Get(k slotmap.Key) (string, bool)
	Remove(k slotmap.Key) (string, bool)
	Len() int
	Clear()
	Retain(f func(k slotmap.Key, value *string) bool)
	All(yield func(k slotmap.Key, value string) bool)
}

func (c Config) newContainer() (container, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	// A zero MaxLen means no limit beyond the containers' own.
	maxLen := slotmap.WithMaxLen(math.MaxUint32)
	if c.MaxLen != 0 {
		maxLen = slotmap.WithMaxLen(c.MaxLen)
	}
	switch c.Variant {
	case variantHop:
		return slotmap.NewHop[string](c.Capacity, maxLen), nil
	case variantDense:
		return slotmap.NewDense[string](c.Capacity, maxLen), nil
	default:
		return slotmap.New[string](c.Capacity, maxLen), nil
	}
}
