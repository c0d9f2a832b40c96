// Package intent carries order intents from the signal source to the
// execution engine. The queue is the contract; the file watcher is one
// optional transport adapter in front of it.
package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
)

// OrderIntent is one proposed trade: open a position on a symbol. Quantity
// is optional; when zero the execution engine sizes the order from the
// account balance.
type OrderIntent struct {
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Type     string  `json:"type"`
	Quantity float64 `json:"quantity,omitempty"`
}

// Validate reports whether the intent carries every required field.
func (it OrderIntent) Validate() error {
	switch {
	case it.Symbol == "":
		return errors.New("intent has no symbol")
	case it.Side != "BUY" && it.Side != "SELL":
		return fmt.Errorf("intent has invalid side %q", it.Side)
	case it.Type == "":
		return errors.New("intent has no order type")
	}
	return nil
}

// Queue is a buffered hand-off between the signal source and the
// execution path. Submitting an incomplete intent is a logged no-op,
// never a crash.
type Queue struct {
	ch     chan OrderIntent
	logger *zap.Logger
}

// NewQueue creates a queue with the given buffer size.
func NewQueue(size int, logger *zap.Logger) *Queue {
	if size <= 0 {
		size = 16
	}
	return &Queue{
		ch:     make(chan OrderIntent, size),
		logger: logger.Named("intent-queue"),
	}
}

// Submit validates and enqueues an intent. Invalid or overflowing intents
// are dropped with a log line.
func (q *Queue) Submit(it OrderIntent) {
	if err := it.Validate(); err != nil {
		q.logger.Warn("Dropping malformed order intent", zap.Error(err))
		return
	}
	select {
	case q.ch <- it:
	default:
		q.logger.Warn("Intent queue full, dropping intent",
			zap.String("symbol", it.Symbol), zap.String("side", it.Side))
	}
}

// Intents returns the consumer side of the queue.
func (q *Queue) Intents() <-chan OrderIntent {
	return q.ch
}

// FileWatcher polls a JSON file for order intents written by an external
// signal process. When the file changes it is claimed by rename, parsed,
// pushed onto the queue, and removed, so the same intent is consumed
// exactly once.
type FileWatcher struct {
	path     string
	interval time.Duration
	queue    *Queue
	logger   *zap.Logger

	lastMod time.Time
}

// NewFileWatcher creates a watcher for the given path.
func NewFileWatcher(path string, interval time.Duration, queue *Queue, logger *zap.Logger) *FileWatcher {
	if interval <= 0 {
		interval = time.Second
	}
	return &FileWatcher{
		path:     path,
		interval: interval,
		queue:    queue,
		logger:   logger.Named("intent-file"),
	}
}

// Run polls the file until the context is canceled.
func (w *FileWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("Watching intent file", zap.String("path", w.path))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *FileWatcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		// Missing file just means no intent yet.
		return
	}
	if info.Size() == 0 || !info.ModTime().After(w.lastMod) {
		return
	}
	w.lastMod = info.ModTime()

	// Claim the file by renaming it away before touching its content. A
	// writer landing the next intent after this point creates a fresh file
	// at the watched path instead of having it wiped by this cleanup.
	claimed := w.path + ".consuming"
	if err := os.Rename(w.path, claimed); err != nil {
		w.logger.Error("Failed to claim intent file", zap.Error(err))
		return
	}

	data, err := os.ReadFile(claimed)
	if err != nil {
		w.logger.Error("Failed to read intent file", zap.Error(err))
		return
	}
	if err := os.Remove(claimed); err != nil {
		w.logger.Warn("Failed to remove consumed intent file", zap.Error(err))
	}

	var it OrderIntent
	if err := json.Unmarshal(data, &it); err != nil {
		w.logger.Error("Failed to parse intent file", zap.Error(err))
		return
	}

	w.logger.Info("Consumed intent from file",
		zap.String("symbol", it.Symbol), zap.String("side", it.Side))
	w.queue.Submit(it)
}
