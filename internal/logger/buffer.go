package logger

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogEntry is one captured log message
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// LogBuffer is a circular buffer of recent log entries at or above a minimum level.
// It is a zerolog hook, so it sees every event regardless of output format.
type LogBuffer struct {
	mu       sync.RWMutex
	entries  []LogEntry
	size     int
	writePos int
	count    int
	minLevel zerolog.Level
	now      func() time.Time
}

var (
	globalBuffer *LogBuffer
	bufferOnce   sync.Once
)

// GetBuffer returns the process-wide buffer, holding the last 1000 warnings and errors.
func GetBuffer() *LogBuffer {
	bufferOnce.Do(func() {
		globalBuffer = NewLogBuffer(1000, zerolog.WarnLevel)
	})
	return globalBuffer
}

// NewLogBuffer creates a buffer keeping the last size entries at minLevel or above.
func NewLogBuffer(size int, minLevel zerolog.Level) *LogBuffer {
	if size <= 0 {
		size = 1
	}
	return &LogBuffer{
		entries:  make([]LogEntry, size),
		size:     size,
		minLevel: minLevel,
		now:      time.Now,
	}
}

// Run implements zerolog.Hook.
func (b *LogBuffer) Run(_ *zerolog.Event, level zerolog.Level, msg string) {
	if level < b.minLevel || level == zerolog.NoLevel {
		return
	}
	b.Add(LogEntry{Timestamp: b.now().UTC(), Level: level.String(), Message: msg})
}

// Add appends an entry, overwriting the oldest when full.
func (b *LogBuffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.writePos] = entry
	b.writePos = (b.writePos + 1) % b.size
	if b.count < b.size {
		b.count++
	}
}

// Recent returns up to limit entries, newest first, at level or above. An empty level
// matches everything; limit <= 0 returns all entries.
func (b *LogBuffer) Recent(limit int, level string) []LogEntry {
	filter := zerolog.NoLevel
	if level != "" {
		if l, err := zerolog.ParseLevel(level); err == nil {
			filter = l
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if limit <= 0 || limit > b.count {
		limit = b.count
	}
	result := make([]LogEntry, 0, limit)
	for i := 0; i < b.count && len(result) < limit; i++ {
		entry := b.entries[(b.writePos-1-i+b.size)%b.size]
		if filter != zerolog.NoLevel {
			l, err := zerolog.ParseLevel(entry.Level)
			if err != nil || l < filter {
				continue
			}
		}
		result = append(result, entry)
	}
	return result
}

// Count returns the current number of entries in the buffer
func (b *LogBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}
