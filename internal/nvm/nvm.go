// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package nvm adapts the node's durable state onto gorm.io/gorm +
// gorm.io/driver/sqlite (spec §6 "Persisted state"), generalizing the
// teacher's getState()/sqlite.Open entry point into a full write-through
// adapter for the tuples §6 names: node address/element count, per-element
// sequence number, IV index + update-state timestamp, the three key
// tables, and RPL contents.
package nvm

import (
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/meshx/meshcore/internal/config"
	"github.com/meshx/meshcore/internal/keystore"
	"github.com/meshx/meshcore/internal/replay"
	"github.com/meshx/meshcore/internal/seqiv"
)

type nodeStateRow struct {
	ID           uint `gorm:"primaryKey"`
	UnicastAddr  uint16
	ElementCount int
}

type seqRow struct {
	Element uint16 `gorm:"primaryKey"`
	Seq     uint32
}

type ivRow struct {
	ID             uint `gorm:"primaryKey"`
	Index          uint32
	State          int
	LastTransition time.Time
}

type netKeyRow struct {
	Index uint16 `gorm:"primaryKey"`
	Root  []byte
}

type appKeyRow struct {
	Index     uint16 `gorm:"primaryKey"`
	NetKeyIdx uint16
	Root      []byte
}

type deviceKeyRow struct {
	PrimaryAddr uint16 `gorm:"primaryKey"`
	ElementNum  uint8
	Root        []byte
}

type rplRow struct {
	Src uint16 `gorm:"primaryKey"`
	Seq uint32
	IV  uint32
}

// Adapter is a write-through persistence layer over a single sqlite
// database file (or an in-memory database when config.NVMConfig.Driver is
// "memory").
type Adapter struct {
	db *gorm.DB
}

// Open opens (and migrates) the NVM database described by cfg.
func Open(cfg config.NVMConfig) (*Adapter, error) {
	dsn := cfg.DSN
	if cfg.Driver == "memory" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("nvm: opening database: %w", err)
	}
	if err := db.AutoMigrate(
		&nodeStateRow{}, &seqRow{}, &ivRow{}, &netKeyRow{}, &appKeyRow{}, &deviceKeyRow{}, &rplRow{},
	); err != nil {
		return nil, fmt.Errorf("nvm: migrating schema: %w", err)
	}
	return &Adapter{db: db}, nil
}

// Close releases the underlying database handle.
func (a *Adapter) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveNodeState persists (node_unicast_address, element_count) atomically.
func (a *Adapter) SaveNodeState(addr uint16, elementCount int) error {
	row := nodeStateRow{ID: 1, UnicastAddr: addr, ElementCount: elementCount}
	return a.db.Save(&row).Error
}

// LoadNodeState returns the persisted node address/element count, if any.
func (a *Adapter) LoadNodeState() (addr uint16, elementCount int, ok bool, err error) {
	var row nodeStateRow
	res := a.db.First(&row, "id = ?", 1)
	if res.Error != nil {
		if res.Error == gorm.ErrRecordNotFound {
			return 0, 0, false, nil
		}
		return 0, 0, false, res.Error
	}
	return row.UnicastAddr, row.ElementCount, true, nil
}

// FlushSeqIV persists every element's sequence number and the global IV
// state in one transaction, called on IV transition and provisioning
// completion per spec §6.
func (a *Adapter) FlushSeqIV(store *seqiv.Store) error {
	return a.db.Transaction(func(tx *gorm.DB) error {
		for element, seq := range store.SeqSnapshot() {
			row := seqRow{Element: element, Seq: seq}
			if err := tx.Save(&row).Error; err != nil {
				return err
			}
		}
		row := ivRow{ID: 1, Index: store.IVIndexGet(), State: int(store.State()), LastTransition: store.LastTransition()}
		return tx.Save(&row).Error
	})
}

// LoadSeqIV restores per-element sequence numbers and IV state into store.
func (a *Adapter) LoadSeqIV(store *seqiv.Store) error {
	var seqRows []seqRow
	if err := a.db.Find(&seqRows).Error; err != nil {
		return err
	}
	for _, r := range seqRows {
		store.SeqSet(r.Element, r.Seq)
	}

	var iv ivRow
	res := a.db.First(&iv, "id = ?", 1)
	if res.Error != nil {
		if res.Error == gorm.ErrRecordNotFound {
			return nil
		}
		return res.Error
	}
	store.RestoreIV(iv.Index, seqiv.IVState(iv.State), iv.LastTransition)
	return nil
}

// FlushKeys persists every net/app/device key currently held by ks.
func (a *Adapter) FlushKeys(ks *keystore.Store) error {
	return a.db.Transaction(func(tx *gorm.DB) error {
		for _, idx := range ks.ListNetKeyIndices() {
			nk, ok := ks.NetKey(idx)
			if !ok {
				continue
			}
			row := netKeyRow{Index: idx, Root: append([]byte(nil), nk.Root[:]...)}
			if err := tx.Save(&row).Error; err != nil {
				return err
			}
		}
		for _, idx := range ks.ListAppKeyIndices() {
			ak, ok := ks.AppKey(idx)
			if !ok {
				continue
			}
			row := appKeyRow{Index: idx, NetKeyIdx: ak.NetKeyIdx, Root: append([]byte(nil), ak.Root[:]...)}
			if err := tx.Save(&row).Error; err != nil {
				return err
			}
		}
		for _, addr := range ks.ListDeviceKeyAddrs() {
			dk, ok := ks.DeviceKeyFor(addr)
			if !ok {
				continue
			}
			row := deviceKeyRow{PrimaryAddr: addr, ElementNum: dk.ElementNum, Root: append([]byte(nil), dk.Root[:]...)}
			if err := tx.Save(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadKeys restores every persisted key into ks, re-deriving subkeys from
// each stored root (keystore.AddNetKey/AddAppKey/AddDeviceKey are
// deterministic functions of the root, so this reconstructs the exact same
// derived material the node had before restart).
func (a *Adapter) LoadKeys(ks *keystore.Store) error {
	var netRows []netKeyRow
	if err := a.db.Find(&netRows).Error; err != nil {
		return err
	}
	for _, r := range netRows {
		var root [16]byte
		copy(root[:], r.Root)
		if err := ks.AddNetKey(r.Index, root); err != nil {
			return fmt.Errorf("nvm: restoring net key %d: %w", r.Index, err)
		}
	}

	var appRows []appKeyRow
	if err := a.db.Find(&appRows).Error; err != nil {
		return err
	}
	for _, r := range appRows {
		var root [16]byte
		copy(root[:], r.Root)
		if err := ks.AddAppKey(r.Index, r.NetKeyIdx, root); err != nil {
			return fmt.Errorf("nvm: restoring app key %d: %w", r.Index, err)
		}
	}

	var devRows []deviceKeyRow
	if err := a.db.Find(&devRows).Error; err != nil {
		return err
	}
	for _, r := range devRows {
		var root [16]byte
		copy(root[:], r.Root)
		if err := ks.AddDeviceKey(r.PrimaryAddr, r.ElementNum, root); err != nil {
			return fmt.Errorf("nvm: restoring device key for addr %d: %w", r.PrimaryAddr, err)
		}
	}
	return nil
}

// FlushRPL persists every (src, seq, iv) tuple from rpl.
func (a *Adapter) FlushRPL(rpl *replay.RPL) error {
	return a.db.Transaction(func(tx *gorm.DB) error {
		for _, t := range rpl.Snapshot() {
			row := rplRow{Src: t.Src, Seq: t.Seq, IV: t.IV}
			if err := tx.Save(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadRPL restores every persisted tuple into rpl.
func (a *Adapter) LoadRPL(rpl *replay.RPL) error {
	var rows []rplRow
	if err := a.db.Find(&rows).Error; err != nil {
		return err
	}
	for _, r := range rows {
		rpl.Set(r.Src, r.Seq, r.IV)
	}
	return nil
}
