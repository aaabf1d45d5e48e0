// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package jobs

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// =============================================================================
// Interface
// =============================================================================

// Journal records submitted jobs until they finish, so jobs pending at
// shutdown can be replayed on the next start.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Journal interface {
	Put(job Job) error
	Delete(id string) error

	// Pending returns unexpired jobs ordered by submission time.
	Pending() ([]Job, error)

	Close() error
}

// NopJournal keeps nothing. Jobs are lost on restart.
type NopJournal struct{}

func (NopJournal) Put(Job) error           { return nil }
func (NopJournal) Delete(string) error     { return nil }
func (NopJournal) Pending() ([]Job, error) { return nil, nil }
func (NopJournal) Close() error            { return nil }

// =============================================================================
// Badger Implementation
// =============================================================================

const journalPrefix = "job/"

// DefaultJournalTTL bounds how long an unfinished job stays replayable.
const DefaultJournalTTL = time.Hour

// BadgerJournal stores pending jobs in BadgerDB with a TTL.
type BadgerJournal struct {
	db  *badger.DB
	ttl time.Duration
}

// OpenBadgerJournal opens a journal in dir. An empty dir opens an
// in-memory journal. A non-positive ttl uses DefaultJournalTTL.
func OpenBadgerJournal(dir string, ttl time.Duration) (*BadgerJournal, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create journal directory %s: %w", dir, err)
		}
		opts = badger.DefaultOptions(dir).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open job journal: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultJournalTTL
	}
	return &BadgerJournal{db: db, ttl: ttl}, nil
}

var _ Journal = (*BadgerJournal)(nil)

// Put implements Journal.
func (j *BadgerJournal) Put(job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return j.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(journalPrefix+job.ID), data).WithTTL(j.ttl)
		return txn.SetEntry(e)
	})
}

// Delete implements Journal. Deleting an unknown id is not an error.
func (j *BadgerJournal) Delete(id string) error {
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(journalPrefix + id))
	})
}

// Pending implements Journal. Undecodable entries are dropped.
func (j *BadgerJournal) Pending() ([]Job, error) {
	var (
		jobs    []Job
		corrupt [][]byte
	)
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(journalPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var job Job
				if err := json.Unmarshal(val, &job); err != nil {
					corrupt = append(corrupt, item.KeyCopy(nil))
					return nil
				}
				jobs = append(jobs, job)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read job journal: %w", err)
	}

	for _, key := range corrupt {
		slog.Warn("Dropping undecodable journal entry", "key", string(key))
		if err := j.db.Update(func(txn *badger.Txn) error { return txn.Delete(key) }); err != nil {
			return nil, fmt.Errorf("drop journal entry: %w", err)
		}
	}

	sort.SliceStable(jobs, func(a, b int) bool { return jobs[a].CreatedAt.Before(jobs[b].CreatedAt) })
	return jobs, nil
}

// Close implements Journal.
func (j *BadgerJournal) Close() error {
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("close job journal: %w", err)
	}
	return nil
}
