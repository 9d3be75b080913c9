// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Load reads the configuration file at path (if non-empty) over top of the
// documented defaults, then validates the result. It mirrors the teacher's
// rendezvousCmdLoadConfig/ownerCmdLoadConfig: SetConfigFile + ReadInConfig
// + Unmarshal, followed by a Validate pass.
func Load(v *viper.Viper, path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("configuration file read failed: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("configuration decode failed: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration invalid: %w", err)
	}
	return &cfg, nil
}
