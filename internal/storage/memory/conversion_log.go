package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/readability-server/internal/convert"
)

// ConversionLog keeps conversion records in-memory.
type ConversionLog struct {
	mu      sync.RWMutex
	records []convert.Record
	byID    map[string]int
}

// NewConversionLog constructs a ConversionLog.
func NewConversionLog() *ConversionLog {
	return &ConversionLog{byID: make(map[string]int)}
}

// RecordConversion appends a record. IDs must be unique.
func (l *ConversionLog) RecordConversion(_ context.Context, record convert.Record) error {
	if record.ID == "" {
		return errors.New("conversion id is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.byID[record.ID]; exists {
		return errors.New("conversion already recorded")
	}
	l.byID[record.ID] = len(l.records)
	l.records = append(l.records, record)
	return nil
}

// Get returns the record with the given id.
func (l *ConversionLog) Get(id string) (convert.Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.byID[id]
	if !ok {
		return convert.Record{}, false
	}
	return l.records[i], true
}

// Records returns every record in insertion order.
func (l *ConversionLog) Records() []convert.Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]convert.Record, len(l.records))
	copy(out, l.records)
	return out
}
