// Command ultrastore demonstrates the storage core end to end: a buffer
// pool manager fronting a disk file, and a B+-tree index built on top of
// it, exercised with a handful of inserts, lookups, and a range scan.
package main

import (
	"fmt"
	"log"
	"os"

	"ultrastore/internal/btree"
	"ultrastore/internal/buffer"
	"ultrastore/internal/disk"
	walog "ultrastore/log"
)

const (
	poolSize    = 16
	replacerK   = 2
	leafMax     = 4
	internalMax = 4
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ultrastore:", err)
		os.Exit(1)
	}
}

func run() error {
	dbPath, err := os.CreateTemp("", "ultrastore-*.db")
	if err != nil {
		return err
	}
	dbPath.Close()
	defer os.Remove(dbPath.Name())

	dm, err := disk.Open(dbPath.Name())
	if err != nil {
		return fmt.Errorf("open disk manager: %w", err)
	}
	defer dm.Close()

	walPath, err := os.CreateTemp("", "ultrastore-*.wal")
	if err != nil {
		return err
	}
	walPath.Close()
	defer os.Remove(walPath.Name())

	walDisk, err := disk.Open(walPath.Name())
	if err != nil {
		return fmt.Errorf("open wal disk manager: %w", err)
	}
	logMgr, err := walog.Open(walDisk)
	if err != nil {
		return fmt.Errorf("open log manager: %w", err)
	}
	defer logMgr.Close()

	bpm := buffer.NewBufferPoolManager(poolSize, dm, replacerK, logMgr)

	tree, err := btree.New(bpm, "demo_index", leafMax, internalMax, nil)
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}

	for _, k := range []int64{10, 20, 5, 15, 25, 1, 30} {
		ok, err := tree.Insert(k, k*100)
		if err != nil {
			return fmt.Errorf("insert %d: %w", k, err)
		}
		log.Printf("insert(%d) -> %v", k, ok)
	}

	if v, found, err := tree.GetValue(15); err != nil {
		return fmt.Errorf("lookup 15: %w", err)
	} else {
		log.Printf("GetValue(15) -> value=%d found=%v", v, found)
	}

	log.Println("range scan, ascending:")
	it, err := tree.Begin()
	if err != nil {
		return fmt.Errorf("begin iterator: %w", err)
	}
	defer it.Close()
	for !it.End() {
		log.Printf("  %d -> %d", it.Key(), it.Value())
		if err := it.Next(); err != nil {
			return fmt.Errorf("advance iterator: %w", err)
		}
	}

	if _, err := tree.Remove(20); err != nil {
		return fmt.Errorf("remove 20: %w", err)
	}
	if _, found, err := tree.GetValue(20); err != nil {
		return fmt.Errorf("lookup after remove: %w", err)
	} else {
		log.Printf("after Remove(20), GetValue(20) found=%v", found)
	}

	stats := bpm.Stats()
	log.Printf("buffer pool stats: %+v", stats)
	return nil
}
