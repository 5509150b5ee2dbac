// Copyright 2024 The Mediasoup Worker Authors.
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

// Package config holds the worker's settings, loaded from an optional YAML
// file and overridable via worker.updateSettings requests, in the style of
// the teacher's pkg/config package.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// RtcConfig mirrors the settings worker.updateSettings is allowed to touch
// at runtime: logging verbosity, the RTC port range, and the DTLS
// certificate and private key file paths.
type RtcConfig struct {
	LogLevel            string `yaml:"log_level,omitempty"`
	RtcMinPort          uint16 `yaml:"rtc_min_port,omitempty"`
	RtcMaxPort          uint16 `yaml:"rtc_max_port,omitempty"`
	DtlsCertificateFile string `yaml:"dtls_certificate_file,omitempty"`
	DtlsPrivateKeyFile  string `yaml:"dtls_private_key_file,omitempty"`
}

// Config is the worker's full settings set.
type Config struct {
	Rtc RtcConfig `yaml:"rtc,omitempty"`
}

// Default returns the settings a freshly-started worker assumes before any
// config file or worker.updateSettings request is applied.
func Default() *Config {
	return &Config{
		Rtc: RtcConfig{
			LogLevel:   "warn",
			RtcMinPort: 40000,
			RtcMaxPort: 49999,
		},
	}
}

// Load reads and parses a YAML settings file, overlaying it onto the
// defaults. A missing path is not an error; Default() is returned as-is.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyUpdate merges a worker.updateSettings partial config onto this one,
// field by field, skipping anything left at its zero value in update.
func (c *Config) ApplyUpdate(update *RtcConfig) {
	if update.LogLevel != "" {
		c.Rtc.LogLevel = update.LogLevel
	}
	if update.RtcMinPort != 0 {
		c.Rtc.RtcMinPort = update.RtcMinPort
	}
	if update.RtcMaxPort != 0 {
		c.Rtc.RtcMaxPort = update.RtcMaxPort
	}
	if update.DtlsCertificateFile != "" {
		c.Rtc.DtlsCertificateFile = update.DtlsCertificateFile
	}
	if update.DtlsPrivateKeyFile != "" {
		c.Rtc.DtlsPrivateKeyFile = update.DtlsPrivateKeyFile
	}
}
