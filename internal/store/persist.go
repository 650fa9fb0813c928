package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// flushInterval is the periodic persistence timer; every mutation also
// enqueues a snapshot immediately.
const flushInterval = 30 * time.Second

// persister serializes writes to the backing file. Snapshots are queued
// by the store's critical section and consumed by a single writer
// goroutine, so file writes never hold the store lock and never race
// each other.
type persister struct {
	path   string
	queue  chan *document
	done   chan struct{}
	ticker *time.Ticker
}

func newPersister(path string) *persister {
	p := &persister{
		path:   path,
		queue:  make(chan *document, 16),
		done:   make(chan struct{}),
		ticker: time.NewTicker(flushInterval),
	}
	go p.run()
	return p
}

// enqueue hands a snapshot to the writer. When the queue is full the
// oldest pending snapshot is dropped: only the newest state matters.
func (p *persister) enqueue(doc *document) {
	for {
		select {
		case p.queue <- doc:
			return
		default:
			select {
			case <-p.queue:
			default:
			}
		}
	}
}

func (p *persister) run() {
	var last *document
	for {
		select {
		case doc := <-p.queue:
			last = doc
			if err := writeDocument(p.path, doc); err != nil {
				slog.Error("[Store] Snapshot write failed", "path", p.path, "error", err)
			}
		case <-p.ticker.C:
			if last != nil {
				if err := writeDocument(p.path, last); err != nil {
					slog.Error("[Store] Periodic flush failed", "path", p.path, "error", err)
				}
			}
		case <-p.done:
			return
		}
	}
}

// close stops the writer and performs one final synchronous write.
func (p *persister) close(final *document) error {
	p.ticker.Stop()
	close(p.done)
	return writeDocument(p.path, final)
}

// writeDocument replaces the file atomically: write a temp sibling,
// then rename over the target.
func writeDocument(path string, doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// loadDocument reads the state file, returning an empty document when
// it does not exist yet.
func loadDocument(path string) (*document, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", path, err)
	}
	return &doc, nil
}

// deepCopy clones the document through JSON so the writer goroutine
// never shares pointers with live state.
func deepCopy(doc *document) *document {
	data, err := json.Marshal(doc)
	if err != nil {
		return &document{}
	}
	var out document
	if err := json.Unmarshal(data, &out); err != nil {
		return &document{}
	}
	return &out
}
