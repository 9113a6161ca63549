package jitter

import (
	"iter"
	"time"
)

// Chunk is one sequenced unit of audio. It is treated as immutable once inserted.
type Chunk struct {
	Payload   []byte
	Timestamp time.Time
	Seq       uint64
}

func (c Chunk) Size() int { return len(c.Payload) }

type OverflowPolicy string

const (
	DropOldest OverflowPolicy = "drop_oldest"
	DropNewest OverflowPolicy = "drop_newest"
)

type Config struct {
	Enabled       bool
	ChunkDuration time.Duration
	InitialBuffer time.Duration
	MaintainAhead time.Duration
	MaxBuffer     time.Duration
	// MaxBytes optionally bounds occupancy in bytes on top of the chunk bound.
	MaxBytes int
	Policy   OverflowPolicy
}

func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		ChunkDuration: 20 * time.Millisecond,
		InitialBuffer: 60 * time.Millisecond,
		MaintainAhead: 100 * time.Millisecond,
		MaxBuffer:     1 * time.Second,
		Policy:        DropOldest,
	}
}

type InsertResult int

const (
	Accepted InsertResult = iota
	LateDropped
	Duplicate
	// Overrun means the insert succeeded but the oldest chunk was evicted.
	Overrun
	// Rejected means the buffer was full and the new chunk was dropped.
	Rejected
)

type Stats struct {
	Inserted   uint64 `json:"inserted"`
	Released   uint64 `json:"released"`
	LateDrops  uint64 `json:"late_drops"`
	Duplicates uint64 `json:"duplicates"`
	Overruns   uint64 `json:"overruns"`
	Underruns  uint64 `json:"underruns"`
	Occupancy  int    `json:"occupancy"`
	TotalBytes int    `json:"total_bytes"`
	Capacity   int    `json:"capacity"`
}

// Buffer reorders chunks by sequence number and releases them in strict ascending order.
// It is not safe for concurrent use; the owning relay loop serializes access.
type Buffer struct {
	cfg           Config
	initialChunks int
	maxChunks     int
	aheadWait     time.Duration

	chunks    map[uint64]Chunk
	next      uint64
	started   bool
	totalSize int
	gapSince  time.Time
	stats     Stats
}

func New(cfg Config) *Buffer {
	def := DefaultConfig()
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = def.ChunkDuration
	}
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = def.MaxBuffer
	}
	if cfg.Policy == "" {
		cfg.Policy = DropOldest
	}

	b := &Buffer{
		cfg:       cfg,
		chunks:    make(map[uint64]Chunk),
		maxChunks: chunksFor(cfg.MaxBuffer, cfg.ChunkDuration),
	}
	if b.maxChunks < 1 {
		b.maxChunks = 1
	}
	if cfg.Enabled {
		b.initialChunks = chunksFor(cfg.InitialBuffer, cfg.ChunkDuration)
		b.aheadWait = cfg.MaintainAhead
	}
	if b.initialChunks < 1 {
		b.initialChunks = 1
	}
	if b.initialChunks > b.maxChunks {
		b.initialChunks = b.maxChunks
	}
	return b
}

// chunksFor rounds up so a partial chunk still counts as one.
func chunksFor(d, chunk time.Duration) int {
	if d <= 0 || chunk <= 0 {
		return 0
	}
	return int((d + chunk - 1) / chunk)
}

func (b *Buffer) Insert(c Chunk) InsertResult {
	if b.started && c.Seq < b.next {
		b.stats.LateDrops++
		return LateDropped
	}
	if _, ok := b.chunks[c.Seq]; ok {
		b.stats.Duplicates++
		return Duplicate
	}

	if b.cfg.Policy == DropNewest && b.wouldOverflow(c.Size()) {
		b.stats.Overruns++
		return Rejected
	}

	b.store(c)
	if !b.overflowing() {
		return Accepted
	}
	b.stats.Overruns++
	for b.overflowing() && len(b.chunks) > 0 {
		b.evictOldest()
	}
	return Overrun
}

func (b *Buffer) wouldOverflow(size int) bool {
	if len(b.chunks)+1 > b.maxChunks {
		return true
	}
	return b.cfg.MaxBytes > 0 && b.totalSize+size > b.cfg.MaxBytes
}

func (b *Buffer) overflowing() bool {
	if len(b.chunks) > b.maxChunks {
		return true
	}
	return b.cfg.MaxBytes > 0 && b.totalSize > b.cfg.MaxBytes
}

func (b *Buffer) store(c Chunk) {
	b.chunks[c.Seq] = c
	b.totalSize += c.Size()
	b.stats.Inserted++
}

func (b *Buffer) evictOldest() {
	seq, ok := b.minSeq()
	if !ok {
		return
	}
	b.totalSize -= b.chunks[seq].Size()
	delete(b.chunks, seq)
	if b.started && seq >= b.next {
		b.next = seq + 1
		b.gapSince = time.Time{}
	}
}

func (b *Buffer) minSeq() (uint64, bool) {
	var (
		lowest uint64
		found  bool
	)
	for seq := range b.chunks {
		if !found || seq < lowest {
			lowest = seq
			found = true
		}
	}
	return lowest, found
}

// Drain lazily yields ready chunks starting at the next expected sequence number.
// Playout begins once the initial fill is reached. A missing chunk holds playout for
// MaintainAhead and is then skipped, counting one underrun per skipped gap.
func (b *Buffer) Drain(now time.Time) iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		if !b.started {
			if len(b.chunks) < b.initialChunks {
				return
			}
			b.next, _ = b.minSeq()
			b.started = true
		}
		for len(b.chunks) > 0 {
			c, ok := b.chunks[b.next]
			if !ok {
				if b.gapSince.IsZero() {
					b.gapSince = now
				}
				if now.Sub(b.gapSince) < b.aheadWait {
					return
				}
				b.next, _ = b.minSeq()
				b.gapSince = time.Time{}
				b.stats.Underruns++
				continue
			}
			b.gapSince = time.Time{}
			delete(b.chunks, b.next)
			b.totalSize -= c.Size()
			b.next++
			b.stats.Released++
			if !yield(c) {
				return
			}
		}
	}
}

func (b *Buffer) Stats() Stats {
	s := b.stats
	s.Occupancy = len(b.chunks)
	s.TotalBytes = b.totalSize
	s.Capacity = b.maxChunks
	return s
}

// Reset drops buffered audio without rewinding the playout position.
func (b *Buffer) Reset() {
	b.chunks = make(map[uint64]Chunk)
	b.totalSize = 0
	b.gapSince = time.Time{}
}
