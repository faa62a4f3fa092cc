/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package transport

import (
	"errors"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// errInsaneExpiry guards against a config file breaking peer reaping
// (spec §3 "peer lifetime") by setting PeerExpiry to zero or to no more
// than SPMAmbientInterval, which would reap live peers between SPMs.
var errInsaneExpiry = errors.New("peer expiry must exceed the ambient SPM interval")

// DynamicConfig is the subset of Config an operator reasonably wants to
// change without restarting the process: timing parameters and FEC
// policy. The rest of Config (interface, group, port) is wired at
// process start only, same split as the teacher's StaticConfig/
// DynamicConfig (ptp/ptp4u/server/config.go).
type DynamicConfig struct {
	SPMAmbientInterval time.Duration
	NakBOIvl           time.Duration
	NakRptIvl          time.Duration
	NakRDataIvl        time.Duration
	NakNCFRetries      int
	NakDataRetries     int
	SPMRExpiry         time.Duration
	PeerExpiry         time.Duration
	UseProactiveParity bool
	UseOndemandParity  bool
	RSK                int
	RSH                int
}

// Sanity checks the loaded values are self-consistent before a caller
// applies them to a Config.
func (dc *DynamicConfig) Sanity() error {
	if dc.PeerExpiry <= dc.SPMAmbientInterval {
		return errInsaneExpiry
	}
	return nil
}

// ReadDynamicConfig loads a YAML DynamicConfig from path (spec §3
// "transport parameters"; grounded on
// ptp/ptp4u/server/config.go ReadDynamicConfig).
func ReadDynamicConfig(path string) (*DynamicConfig, error) {
	dc := &DynamicConfig{}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, dc); err != nil {
		return nil, err
	}
	if err := dc.Sanity(); err != nil {
		return nil, err
	}
	return dc, nil
}

// Write serializes dc back to path, the counterpart an operator-facing
// config-dump command would use.
func (dc *DynamicConfig) Write(path string) error {
	d, err := yaml.Marshal(dc)
	if err != nil {
		return err
	}
	return os.WriteFile(path, d, 0644)
}

// Apply copies dc's fields onto cfg, for a caller that loaded a
// DynamicConfig after constructing its base Config from flags.
func (dc *DynamicConfig) Apply(cfg *Config) {
	cfg.SPMAmbientInterval = dc.SPMAmbientInterval
	cfg.NakBOIvl = dc.NakBOIvl
	cfg.NakRptIvl = dc.NakRptIvl
	cfg.NakRDataIvl = dc.NakRDataIvl
	cfg.NakNCFRetries = dc.NakNCFRetries
	cfg.NakDataRetries = dc.NakDataRetries
	cfg.SPMRExpiry = dc.SPMRExpiry
	cfg.PeerExpiry = dc.PeerExpiry
	cfg.UseProactiveParity = dc.UseProactiveParity
	cfg.UseOndemandParity = dc.UseOndemandParity
	cfg.RSK = dc.RSK
	cfg.RSH = dc.RSH
}
