// Package journal persists the position event log. Events are the only
// state the engine owns; everything else is rebuilt from the venue, so
// a journal write failure must never block a trading decision.
package journal

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/driftline/perpsweep/config"
	"github.com/driftline/perpsweep/core"

	"github.com/tidwall/buntdb"
)

const (
	// DefaultIndexName orders events chronologically
	DefaultIndexName = "time_index"
)

// Backend names accepted in configuration
const (
	BackendBunt   = "buntdb"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Open builds the configured journal backend
func Open(cfg config.JournalConfig) (core.Journal, error) {
	path := cfg.Path
	if path == "" {
		path = config.DefaultJournalPath
	}

	switch cfg.Backend {
	case BackendBunt, "":
		return NewFromFile(path)
	case BackendSQLite:
		return NewFromSQLite(path, DefaultSQLConfig())
	case BackendMemory:
		return NewFromMemory()
	}

	return nil, core.NewTradeError(core.ErrFatalConfig, "",
		fmt.Errorf("unknown journal backend %q", cfg.Backend))
}

// BuntJournal implements core.Journal on BuntDB, an embedded key-value
// store with JSON indexing
type BuntJournal struct {
	lastID int64
	db     *buntdb.DB
}

// BuntConfig holds configuration options for BuntDB
type BuntConfig struct {
	// SyncPolicy determines how often data is synchronized to disk
	SyncPolicy buntdb.SyncPolicy
}

// DefaultBuntConfig returns the default configuration for BuntDB
func DefaultBuntConfig() BuntConfig {
	return BuntConfig{
		SyncPolicy: buntdb.EverySecond,
	}
}

// NewFromMemory creates an in-memory journal, used by tests and dry runs
func NewFromMemory() (*BuntJournal, error) {
	return NewBuntJournal(":memory:", DefaultBuntConfig())
}

// NewFromFile creates a file-backed journal with default configuration
func NewFromFile(file string) (*BuntJournal, error) {
	return NewBuntJournal(file, DefaultBuntConfig())
}

// NewBuntJournal opens a BuntDB journal, resuming the id sequence from
// the highest event already stored
func NewBuntJournal(sourceFile string, cfg BuntConfig) (*BuntJournal, error) {
	db, err := buntdb.Open(sourceFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open buntdb: %w", err)
	}

	if err := db.SetConfig(buntdb.Config{
		SyncPolicy: cfg.SyncPolicy,
	}); err != nil {
		return nil, fmt.Errorf("failed to configure buntdb: %w", err)
	}

	if err := db.CreateIndex(DefaultIndexName, "*", buntdb.IndexJSON("time")); err != nil {
		return nil, fmt.Errorf("failed to create time index: %w", err)
	}

	journal := &BuntJournal{db: db}

	// Resume the id sequence after a restart
	err = db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("*", func(key, _ string) bool {
			if id, err := strconv.ParseInt(key, 10, 64); err == nil && id > journal.lastID {
				journal.lastID = id
			}
			return true
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan existing events: %w", err)
	}

	return journal, nil
}

// getID generates a unique id for events
func (b *BuntJournal) getID() int64 {
	return atomic.AddInt64(&b.lastID, 1)
}

// Append stores one event
func (b *BuntJournal) Append(event *core.Event) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		if event.ID == 0 {
			event.ID = b.getID()
		}

		content, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}

		key := strconv.FormatInt(event.ID, 10)
		_, _, err = tx.Set(key, string(content), nil)
		if err != nil {
			return fmt.Errorf("failed to store event: %w", err)
		}

		return nil
	})
}

// Events retrieves events in chronological order, newest last
func (b *BuntJournal) Events(filters ...core.EventFilter) ([]*core.Event, error) {
	events := make([]*core.Event, 0)

	err := b.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend(DefaultIndexName, func(key, value string) bool {
			var event core.Event
			if err := json.Unmarshal([]byte(value), &event); err != nil {
				// A corrupt record must not hide the rest of the log
				return true
			}

			for _, filter := range filters {
				if !filter(event) {
					return true
				}
			}

			events = append(events, &event)
			return true
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	return events, nil
}

// Close closes the database
func (b *BuntJournal) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}
