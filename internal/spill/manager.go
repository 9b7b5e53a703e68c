package spill

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"smbsink/internal/config"
	"smbsink/internal/logging"
	"smbsink/internal/naming"
)

// FlushReason explains why a spill buffer was handed to the encoder
type FlushReason string

const (
	FlushReasonSize  FlushReason = "size"  // Buffer reached max records or max bytes
	FlushReasonTime  FlushReason = "time"  // Buffer reached max age
	FlushReasonForce FlushReason = "force" // Forced flush (shutdown, explicit)
)

// FlushJob represents a spill buffer that needs to be flushed
type FlushJob struct {
	ID     naming.BucketShardID
	Buffer *Buffer
	Reason FlushReason
}

// ManagerStats tracks spill manager metrics
type ManagerStats struct {
	ActiveBuffers    int64
	TotalBytes       int64
	PendingFlushes   int64
	CompletedFlushes int64
	FailedFlushes    int64
	OpenFileHandles  int64
	FileHandleEvicts int64
}

// Manager owns one spill buffer per bucket/shard pair. Flushes run on a
// bounded worker pool; a full flush queue blocks further queueing, which is
// the backpressure signal back to the consumer.
type Manager struct {
	mu          sync.RWMutex
	buffers     map[naming.BucketShardID]*Buffer
	lastFlushAt map[naming.BucketShardID]time.Time
	baseDir     string
	cfg         config.SpillConfig
	onFlush     func(id naming.BucketShardID, buf *Buffer, reason FlushReason) error
	flushQueue  chan FlushJob
	flushSem    chan struct{}
	stats       ManagerStats
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	totalBytes   int64 // atomic
	handleEvicts int64 // atomic
	fileHandles  *handleCache
}

// NewManager creates a spill manager rooted at baseDir
func NewManager(baseDir string, cfg config.SpillConfig, onFlush func(naming.BucketShardID, *Buffer, FlushReason) error) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		buffers:     make(map[naming.BucketShardID]*Buffer),
		lastFlushAt: make(map[naming.BucketShardID]time.Time),
		baseDir:     baseDir,
		cfg:         cfg,
		onFlush:     onFlush,
		flushQueue:  make(chan FlushJob, cfg.MaxPendingFlushes),
		flushSem:    make(chan struct{}, cfg.MaxConcurrentFlushes),
		ctx:         ctx,
		cancel:      cancel,
	}

	m.fileHandles = newHandleCache(cfg.MaxOpenFiles, func(id naming.BucketShardID, buf *Buffer) {
		buf.CloseHandle()
		atomic.AddInt64(&m.handleEvicts, 1)
	})

	for i := 0; i < cfg.MaxConcurrentFlushes; i++ {
		m.wg.Add(1)
		go m.flushWorker()
	}

	return m
}

func (m *Manager) dirFor(id naming.BucketShardID) string {
	if id.NullKey {
		return filepath.Join(m.baseDir, "spill", fmt.Sprintf("null-keys-shard-%05d", id.ShardID))
	}
	return filepath.Join(m.baseDir, "spill", fmt.Sprintf("bucket-%05d-shard-%05d", id.BucketID, id.ShardID))
}

// flushWorker processes flush jobs from the queue.
// Workers drain the entire queue before exiting so that a graceful shutdown
// flushes every buffer.
func (m *Manager) flushWorker() {
	defer m.wg.Done()

	for job := range m.flushQueue {
		m.flushSem <- struct{}{}
		err := m.processFlush(job)
		<-m.flushSem

		if err != nil {
			atomic.AddInt64(&m.stats.FailedFlushes, 1)
			logging.ErrorLog("flush_failed", map[string]interface{}{
				"bucket_shard": job.ID.String(),
				"error":        err.Error(),
			})
		} else {
			atomic.AddInt64(&m.stats.CompletedFlushes, 1)
		}

		atomic.AddInt64(&m.stats.PendingFlushes, -1)
	}
}

// processFlush handles a single flush job
func (m *Manager) processFlush(job FlushJob) error {
	recordCount := job.Buffer.RecordCount()
	byteCount := job.Buffer.ByteCount()

	logging.DebugLog("flush_start", map[string]interface{}{
		"bucket_shard": job.ID.String(),
		"reason":       string(job.Reason),
		"records":      recordCount,
		"bytes":        byteCount,
	})

	m.fileHandles.Remove(job.ID)

	// Closing for flush prevents concurrent writes from reopening the file
	if err := job.Buffer.CloseForFlush(); err != nil {
		return fmt.Errorf("failed to close buffer for flush: %w", err)
	}

	atomic.AddInt64(&m.totalBytes, -byteCount)

	if m.onFlush != nil {
		if err := m.onFlush(job.ID, job.Buffer, job.Reason); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.lastFlushAt[job.ID] = time.Now()
	m.mu.Unlock()

	logging.DebugLog("flush_complete", map[string]interface{}{
		"bucket_shard": job.ID.String(),
		"records":      recordCount,
	})

	return nil
}

// randomTimeout returns the configured buffer timeout with random splay applied.
// With a 60s timeout and 10s splay the result lands between 50s and 70s, so
// buckets created together do not all expire in the same tick.
func (m *Manager) randomTimeout() time.Duration {
	splay := m.cfg.TimeoutSplay()
	if splay <= 0 {
		return m.cfg.Timeout()
	}
	splayNs := splay.Nanoseconds()
	offset := rand.Int63n(2*splayNs+1) - splayNs
	return m.cfg.Timeout() + time.Duration(offset)
}

// Write appends a record to the buffer for the given bucket/shard pair.
// This blocks when the flush queue is full.
func (m *Manager) Write(id naming.BucketShardID, rec Record) error {
	m.mu.Lock()

	buffer, exists := m.buffers[id]
	if !exists {
		var err error
		buffer, err = NewBuffer(m.dirFor(id), m.randomTimeout())
		if err != nil {
			m.mu.Unlock()
			return err
		}
		m.buffers[id] = buffer
		atomic.AddInt64(&m.stats.ActiveBuffers, 1)
	}

	// Touch the LRU cache to keep this buffer's file handle open
	m.fileHandles.Put(id, buffer)

	m.mu.Unlock()

	if err := buffer.Write(rec); err != nil {
		if errors.Is(err, ErrBufferFlushing) {
			return m.retryWrite(id, rec, buffer)
		}
		return err
	}

	atomic.AddInt64(&m.totalBytes, int64(8+len(rec.Key)+len(rec.Value)))

	if m.shouldFlush(id, buffer) {
		return m.queueFlushIfSame(id, buffer)
	}

	return nil
}

// retryWrite handles writes when the current buffer is being flushed,
// rolling over to a fresh buffer for the same bucket/shard pair.
func (m *Manager) retryWrite(id naming.BucketShardID, rec Record, oldBuffer *Buffer) error {
	var target *Buffer
	created := false

	m.mu.Lock()
	buffer, exists := m.buffers[id]
	if exists && buffer != oldBuffer && !buffer.IsFlushing() {
		target = buffer
	} else {
		var err error
		target, err = NewBuffer(m.dirFor(id), m.randomTimeout())
		if err != nil {
			m.mu.Unlock()
			return err
		}
		m.buffers[id] = target
		atomic.AddInt64(&m.stats.ActiveBuffers, 1)
		created = true
	}

	m.fileHandles.Put(id, target)
	m.mu.Unlock()

	if err := target.Write(rec); err != nil {
		if created {
			m.mu.Lock()
			if m.buffers[id] == target {
				delete(m.buffers, id)
				atomic.AddInt64(&m.stats.ActiveBuffers, -1)
			}
			m.mu.Unlock()
		}
		return err
	}

	atomic.AddInt64(&m.totalBytes, int64(8+len(rec.Key)+len(rec.Value)))
	return nil
}

// shouldFlush checks if a buffer has crossed a flush threshold
func (m *Manager) shouldFlush(id naming.BucketShardID, buffer *Buffer) bool {
	return buffer.RecordCount() >= m.cfg.MaxRecords ||
		buffer.ByteCount() >= m.cfg.MaxBytes ||
		m.isBufferExpired(id, buffer)
}

func (m *Manager) isBufferExpired(id naming.BucketShardID, buffer *Buffer) bool {
	if buffer.MaxAge() <= 0 {
		return false
	}
	m.mu.RLock()
	lastFlushAt, hasFlush := m.lastFlushAt[id]
	m.mu.RUnlock()
	if !hasFlush {
		return buffer.Age() >= buffer.MaxAge()
	}
	return time.Since(lastFlushAt) >= buffer.MaxAge()
}

// queueFlushIfSame queues a flush only if the buffer is still the live one
// for the pair. This avoids flushing a freshly rolled-over buffer that was
// not the one crossing the threshold.
func (m *Manager) queueFlushIfSame(id naming.BucketShardID, expected *Buffer) error {
	m.mu.Lock()
	buffer, exists := m.buffers[id]
	if !exists || buffer != expected {
		m.mu.Unlock()
		return nil
	}
	delete(m.buffers, id)
	atomic.AddInt64(&m.stats.ActiveBuffers, -1)
	m.mu.Unlock()

	return m.enqueue(FlushJob{ID: id, Buffer: buffer, Reason: FlushReasonSize})
}

// queueFlushWithReason detaches the live buffer for a pair and queues it
func (m *Manager) queueFlushWithReason(id naming.BucketShardID, reason FlushReason) error {
	m.mu.Lock()
	buffer, exists := m.buffers[id]
	if !exists {
		m.mu.Unlock()
		return nil
	}
	delete(m.buffers, id)
	atomic.AddInt64(&m.stats.ActiveBuffers, -1)
	m.mu.Unlock()

	return m.enqueue(FlushJob{ID: id, Buffer: buffer, Reason: reason})
}

func (m *Manager) enqueue(job FlushJob) error {
	select {
	case m.flushQueue <- job:
		atomic.AddInt64(&m.stats.PendingFlushes, 1)
		return nil
	case <-m.ctx.Done():
		return m.ctx.Err()
	}
}

// Flush force-flushes a specific bucket/shard pair
func (m *Manager) Flush(id naming.BucketShardID) error {
	return m.queueFlushWithReason(id, FlushReasonForce)
}

// FlushAll flushes every live buffer
func (m *Manager) FlushAll() error {
	m.mu.Lock()
	ids := make([]naming.BucketShardID, 0, len(m.buffers))
	var totalRecords int
	for id, buf := range m.buffers {
		ids = append(ids, id)
		totalRecords += buf.RecordCount()
	}
	m.mu.Unlock()

	logging.InfoLog("flush_all_start", map[string]interface{}{
		"buffers":       len(ids),
		"total_records": totalRecords,
	})

	for _, id := range ids {
		if err := m.queueFlushWithReason(id, FlushReasonForce); err != nil {
			return err
		}
	}

	return nil
}

// FlushExpired flushes buffers that have exceeded their individual maxAge
func (m *Manager) FlushExpired() error {
	m.mu.RLock()
	var expired []naming.BucketShardID
	for id, buffer := range m.buffers {
		if m.isBufferExpired(id, buffer) {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	if len(expired) > m.cfg.MaxConcurrentFlushes {
		expired = expired[:m.cfg.MaxConcurrentFlushes]
	}

	for _, id := range expired {
		if err := m.queueFlushWithReason(id, FlushReasonTime); err != nil {
			return err
		}
	}

	return nil
}

// StartPeriodicFlush starts a background goroutine to flush expired buffers
func (m *Manager) StartPeriodicFlush(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := m.FlushExpired(); err != nil {
					logging.ErrorLog("flush_expired_failed", map[string]interface{}{"error": err.Error()})
				}
			case <-stop:
				return
			case <-m.ctx.Done():
				return
			}
		}
	}()
}

// Stop flushes all remaining buffers and waits for the workers to drain
func (m *Manager) Stop() error {
	if err := m.FlushAll(); err != nil {
		logging.ErrorLog("flush_all_failed", map[string]interface{}{"error": err.Error()})
	}

	close(m.flushQueue)
	m.cancel()
	m.wg.Wait()
	m.fileHandles.Clear()

	return nil
}

// WaitForPendingFlushes blocks until all pending flushes complete
func (m *Manager) WaitForPendingFlushes(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for atomic.LoadInt64(&m.stats.PendingFlushes) > 0 {
		if time.Now().After(deadline) {
			pending := atomic.LoadInt64(&m.stats.PendingFlushes)
			return fmt.Errorf("timeout waiting for %d pending flushes", pending)
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil
}

// Stats returns current spill manager statistics
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	activeBuffers := int64(len(m.buffers))
	m.mu.RUnlock()

	return ManagerStats{
		ActiveBuffers:    activeBuffers,
		TotalBytes:       atomic.LoadInt64(&m.totalBytes),
		PendingFlushes:   atomic.LoadInt64(&m.stats.PendingFlushes),
		CompletedFlushes: atomic.LoadInt64(&m.stats.CompletedFlushes),
		FailedFlushes:    atomic.LoadInt64(&m.stats.FailedFlushes),
		OpenFileHandles:  int64(m.fileHandles.Len()),
		FileHandleEvicts: atomic.LoadInt64(&m.handleEvicts),
	}
}

// IsPressured reports whether the flush queue is at least half full
func (m *Manager) IsPressured() bool {
	return atomic.LoadInt64(&m.stats.PendingFlushes) >= int64(m.cfg.MaxPendingFlushes)/2
}
