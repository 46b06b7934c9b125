// Package admission serializes large file transfers across every running
// backup task in the process while letting small files through untouched.
package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Transfer is a large file currently holding the exclusive slot.
type Transfer struct {
	FilePath  string    `json:"filePath"`
	SizeBytes int64     `json:"sizeBytes"`
	Owner     string    `json:"owner"`
	StartTime time.Time `json:"startTime"`
}

// Duration is how long the slot has been held.
func (t Transfer) Duration() time.Duration {
	return time.Since(t.StartTime)
}

// Stats is an advisory view of the controller.
type Stats struct {
	TotalLargeFilesQueued      int       `json:"totalLargeFilesQueued"`
	TotalSmallFilesTransferred int       `json:"totalSmallFilesTransferred"`
	QueuedLargeFiles           int       `json:"queuedLargeFiles"`
	LargeTransferActive        bool      `json:"largeTransferActive"`
	Current                    *Transfer `json:"current,omitempty"`
}

// Controller owns the single large-file slot. One instance is shared by all tasks.
type Controller struct {
	threshold atomic.Int64
	budget    time.Duration
	slot      *semaphore.Weighted

	mu        sync.Mutex
	transfers map[string]Transfer

	statsMu          sync.Mutex
	largeQueued      int
	smallTransferred int
	waiting          int
}

// NewController returns a controller classifying files of at least threshold
// bytes as large. budget is the wait used for deferred second-pass acquires.
func NewController(threshold int64, budget time.Duration) *Controller {
	c := &Controller{
		budget:    budget,
		slot:      semaphore.NewWeighted(1),
		transfers: make(map[string]Transfer),
	}
	c.threshold.Store(threshold)
	return c
}

// Threshold returns the current large-file threshold in bytes.
func (c *Controller) Threshold() int64 {
	return c.threshold.Load()
}

// SetThreshold changes the threshold for subsequent classifications.
func (c *Controller) SetThreshold(bytes int64) {
	c.threshold.Store(bytes)
}

// QueueBudget is the timeout callers use when they can afford to wait for the slot.
func (c *Controller) QueueBudget() time.Duration {
	return c.budget
}

// IsLarge reports whether a file of size bytes needs the exclusive slot.
func (c *Controller) IsLarge(size int64) bool {
	return size >= c.threshold.Load()
}

// TryAcquire admits a transfer. Small files are admitted immediately. Large
// files wait up to timeout for the slot; timeout <= 0 means do not wait. ok is
// false on timeout or ctx cancellation, leaving no trace. held reports whether
// the exclusive slot was taken, in which case the caller must Release
// filePath. The size is classified once here so a concurrent SetThreshold
// cannot split the decision between caller and controller.
func (c *Controller) TryAcquire(ctx context.Context, filePath string, size int64, owner string, timeout time.Duration) (held, ok bool) {
	if !c.IsLarge(size) {
		c.statsMu.Lock()
		c.smallTransferred++
		c.statsMu.Unlock()
		return false, true
	}

	c.statsMu.Lock()
	c.largeQueued++
	c.waiting++
	c.statsMu.Unlock()
	defer func() {
		c.statsMu.Lock()
		c.waiting--
		c.statsMu.Unlock()
	}()

	if !c.acquire(ctx, timeout) {
		return false, false
	}

	c.mu.Lock()
	c.transfers[filePath] = Transfer{
		FilePath:  filePath,
		SizeBytes: size,
		Owner:     owner,
		StartTime: time.Now(),
	}
	c.mu.Unlock()
	return true, true
}

func (c *Controller) acquire(ctx context.Context, timeout time.Duration) bool {
	if timeout <= 0 {
		return c.slot.TryAcquire(1)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.slot.Acquire(ctx, 1) == nil
}

// Release ends the transfer recorded for filePath and frees the slot. Paths
// without a recorded large transfer are ignored.
func (c *Controller) Release(filePath string) {
	c.mu.Lock()
	_, ok := c.transfers[filePath]
	if ok {
		delete(c.transfers, filePath)
	}
	c.mu.Unlock()

	if ok {
		c.slot.Release(1)
	}
}

// Current returns the large transfer holding the slot, if any.
func (c *Controller) Current() (Transfer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.transfers {
		return t, true
	}
	return Transfer{}, false
}

// Stats returns counters and the current transfer.
func (c *Controller) Stats() Stats {
	current, active := c.Current()

	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	st := Stats{
		TotalLargeFilesQueued:      c.largeQueued,
		TotalSmallFilesTransferred: c.smallTransferred,
		QueuedLargeFiles:           c.waiting,
		LargeTransferActive:        active,
	}
	if active {
		st.Current = &current
	}
	return st
}

// ResetStats zeroes the advisory counters.
func (c *Controller) ResetStats() {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.largeQueued = 0
	c.smallTransferred = 0
}
