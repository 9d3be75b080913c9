// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package config holds the node's mapstructure-tagged configuration tree,
// loaded by viper from a YAML file (with flag/env overrides) the way the
// teacher's cmd/config.go loads FDOServerConfig.
package config

import (
	"errors"
	"fmt"
	"time"
)

// LogConfig controls the process-wide slog/devlog handler.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

func (l *LogConfig) validate() error {
	switch l.Level {
	case "", "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("log.level must be one of debug/info/warn/error, got %q", l.Level)
	}
}

// NodeConfig identifies this node and bounds its element/address space
// (spec §3 data model, §6 persisted node_unicast_address/element_count).
type NodeConfig struct {
	Role         string `mapstructure:"role"`          // "device" or "provisioner"
	ElementCount int    `mapstructure:"element_count"` // must be > 0
	UUIDHex      string `mapstructure:"uuid"`           // 32 hex chars, device UUID
}

func (n *NodeConfig) validate() error {
	if n.Role != "device" && n.Role != "provisioner" {
		return fmt.Errorf("node.role must be 'device' or 'provisioner', got %q", n.Role)
	}
	if n.ElementCount <= 0 {
		return errors.New("node.element_count must be > 0")
	}
	if len(n.UUIDHex) != 32 {
		return fmt.Errorf("node.uuid must be 32 hex characters, got %d", len(n.UUIDHex))
	}
	return nil
}

// RadioConfig bounds the GAP scheduler's action capacity and advertise/scan
// pacing (spec §4.5, §5 resource bounds).
type RadioConfig struct {
	ActionCapacity  int     `mapstructure:"action_capacity"`
	AdvRateLimitHz  float64 `mapstructure:"adv_rate_limit_hz"`
	ScanIntervalMs  int     `mapstructure:"scan_interval_ms"`
	ScanWindowMs    int     `mapstructure:"scan_window_ms"`
	AdvDurationMs   int     `mapstructure:"adv_duration_ms"`
}

func (r *RadioConfig) validate() error {
	if r.ActionCapacity <= 0 {
		return errors.New("radio.action_capacity must be > 0")
	}
	if r.AdvRateLimitHz <= 0 {
		return errors.New("radio.adv_rate_limit_hz must be > 0")
	}
	if r.ScanWindowMs <= 0 || r.ScanIntervalMs <= 0 || r.ScanWindowMs > r.ScanIntervalMs {
		return errors.New("radio.scan_window_ms must be > 0 and <= scan_interval_ms")
	}
	return nil
}

// GAPConfig sizes the bearer table that sits on top of the GAP scheduler.
// The scheduler's own action capacity and the radio's timing parameters
// live in RadioConfig.
type GAPConfig struct {
	BearerCapacity int `mapstructure:"bearer_capacity"`
}

func (g *GAPConfig) validate() error {
	if g.BearerCapacity <= 0 {
		return errors.New("gap.bearer_capacity must be > 0")
	}
	return nil
}

// NetworkConfig bounds the interface table, replay caches, and relay policy
// (spec §4.7, §4.4, §4.8).
type NetworkConfig struct {
	InterfaceCapacity int  `mapstructure:"interface_capacity"`
	NMCSize           int  `mapstructure:"nmc_size"`
	RPLSize           int  `mapstructure:"rpl_size"`
	RelayEnabled      bool `mapstructure:"relay_enabled"`
	MaxNetKeys        int  `mapstructure:"max_net_keys"`
	MaxAppKeys        int  `mapstructure:"max_app_keys"`
	MaxDeviceKeys     int  `mapstructure:"max_device_keys"`
}

func (n *NetworkConfig) validate() error {
	if n.InterfaceCapacity <= 0 {
		return errors.New("network.interface_capacity must be > 0")
	}
	if n.NMCSize <= 0 {
		return errors.New("network.nmc_size must be > 0")
	}
	if n.RPLSize <= 0 {
		return errors.New("network.rpl_size must be > 0")
	}
	if n.MaxNetKeys <= 0 || n.MaxAppKeys <= 0 || n.MaxDeviceKeys <= 0 {
		return errors.New("network.max_net_keys/max_app_keys/max_device_keys must all be > 0")
	}
	return nil
}

// TransportConfig surfaces internal/transport.Config's fields for YAML/env
// loading (spec §4.9, §5).
type TransportConfig struct {
	RetryBaseMs       int `mapstructure:"retry_base_ms"`
	RetryPerTTLMs     int `mapstructure:"retry_per_ttl_ms"`
	GroupRetryMinMs   int `mapstructure:"group_retry_min_ms"`
	GroupRetryMaxMs   int `mapstructure:"group_retry_max_ms"`
	MaxRetries        int `mapstructure:"max_retries"`
	AckBaseMs         int `mapstructure:"ack_base_ms"`
	AckPerTTLMs       int `mapstructure:"ack_per_ttl_ms"`
	IncompleteAfterMs int `mapstructure:"incomplete_after_ms"`
	MaxConcurrentTx   int `mapstructure:"max_concurrent_tx"`
	MaxConcurrentRx   int `mapstructure:"max_concurrent_rx"`
}

func (t *TransportConfig) validate() error {
	if t.MaxRetries <= 0 {
		return errors.New("transport.max_retries must be > 0")
	}
	if t.MaxConcurrentTx <= 0 || t.MaxConcurrentRx <= 0 {
		return errors.New("transport.max_concurrent_tx/max_concurrent_rx must be > 0")
	}
	if t.GroupRetryMinMs <= 0 || t.GroupRetryMaxMs < t.GroupRetryMinMs {
		return errors.New("transport.group_retry_min_ms must be > 0 and <= group_retry_max_ms")
	}
	return nil
}

// Durations converts the millisecond fields into the time.Duration values
// internal/transport.Config expects.
func (t TransportConfig) Durations() (retryBase, retryPerTTL, groupMin, groupMax, ackBase, ackPerTTL, incomplete time.Duration) {
	return time.Duration(t.RetryBaseMs) * time.Millisecond,
		time.Duration(t.RetryPerTTLMs) * time.Millisecond,
		time.Duration(t.GroupRetryMinMs) * time.Millisecond,
		time.Duration(t.GroupRetryMaxMs) * time.Millisecond,
		time.Duration(t.AckBaseMs) * time.Millisecond,
		time.Duration(t.AckPerTTLMs) * time.Millisecond,
		time.Duration(t.IncompleteAfterMs) * time.Millisecond
}

// ProvisioningConfig bounds PB-ADV link capacity and concurrent outbound
// provisioning contexts (spec §4.13, §4.14; original_source's
// MESHX_PROV_SELF_NUM supplement, see DESIGN.md).
type ProvisioningConfig struct {
	MaxConcurrentLinks int    `mapstructure:"max_concurrent_links"`
	AuthMethod         string `mapstructure:"auth_method"` // "none", "static", "output", "input"
	StaticOOBHex       string `mapstructure:"static_oob"`  // 32 hex chars, only used when auth_method=static
}

func (p *ProvisioningConfig) validate() error {
	if p.MaxConcurrentLinks <= 0 {
		return errors.New("provisioning.max_concurrent_links must be > 0")
	}
	switch p.AuthMethod {
	case "none", "static", "output", "input":
	default:
		return fmt.Errorf("provisioning.auth_method must be one of none/static/output/input, got %q", p.AuthMethod)
	}
	if p.AuthMethod == "static" && len(p.StaticOOBHex) != 32 {
		return errors.New("provisioning.static_oob must be 32 hex characters when auth_method is 'static'")
	}
	return nil
}

// NVMConfig selects and bounds the persistence adapter (spec §6 persisted
// state table).
type NVMConfig struct {
	Driver string `mapstructure:"driver"` // "sqlite" or "memory"
	DSN    string `mapstructure:"dsn"`    // required when driver=sqlite
}

func (n *NVMConfig) validate() error {
	switch n.Driver {
	case "sqlite":
		if n.DSN == "" {
			return errors.New("nvm.dsn is required when nvm.driver is 'sqlite'")
		}
	case "memory":
	default:
		return fmt.Errorf("nvm.driver must be 'sqlite' or 'memory', got %q", n.Driver)
	}
	return nil
}

// Config is the full tree unmarshaled by viper from the node's YAML/env
// configuration, mirroring the shape of the teacher's FDOServerConfig.
type Config struct {
	Log          LogConfig          `mapstructure:"log"`
	Node         NodeConfig         `mapstructure:"node"`
	Radio        RadioConfig        `mapstructure:"radio"`
	GAP          GAPConfig          `mapstructure:"gap"`
	Network      NetworkConfig      `mapstructure:"network"`
	Transport    TransportConfig    `mapstructure:"transport"`
	Provisioning ProvisioningConfig `mapstructure:"provisioning"`
	NVM          NVMConfig          `mapstructure:"nvm"`
}

// Validate runs every section's validate() method, matching the teacher's
// pattern of a struct-level Validate that delegates to field-level checks
// (HTTPConfig.validate, ServiceInfoConfig.validate in cmd/config.go).
func (c *Config) Validate() error {
	for _, v := range []interface{ validate() error }{
		&c.Log, &c.Node, &c.Radio, &c.GAP, &c.Network, &c.Transport, &c.Provisioning, &c.NVM,
	} {
		if err := v.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Default returns the spec's documented default resource bounds and timer
// values, used when no configuration file overrides them.
func Default() Config {
	return Config{
		Log:  LogConfig{Level: "info"},
		Node: NodeConfig{Role: "device", ElementCount: 1},
		Radio: RadioConfig{
			ActionCapacity: 8,
			AdvRateLimitHz: 10,
			ScanIntervalMs: 100,
			ScanWindowMs:   50,
			AdvDurationMs:  100,
		},
		GAP: GAPConfig{BearerCapacity: 4},
		Network: NetworkConfig{
			InterfaceCapacity: 4,
			NMCSize:           32,
			RPLSize:           32,
			RelayEnabled:      true,
			MaxNetKeys:        4,
			MaxAppKeys:        16,
			MaxDeviceKeys:     32,
		},
		Transport: TransportConfig{
			RetryBaseMs:       200,
			RetryPerTTLMs:     50,
			GroupRetryMinMs:   20,
			GroupRetryMaxMs:   50,
			MaxRetries:        4,
			AckBaseMs:         150,
			AckPerTTLMs:       50,
			IncompleteAfterMs: 10000,
			MaxConcurrentTx:   16,
			MaxConcurrentRx:   16,
		},
		Provisioning: ProvisioningConfig{MaxConcurrentLinks: 1, AuthMethod: "none"},
		NVM:          NVMConfig{Driver: "memory"},
	}
}
