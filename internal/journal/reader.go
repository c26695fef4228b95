package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"treasuryMarket/internal/model"
)

var (
	// ErrInvalidOperation marks a journal entry that cannot be decoded into
	// an exchange call.
	ErrInvalidOperation = errors.New("journal: invalid operation")
	// ErrOutOfOrder is returned when journal sequences decrease.
	ErrOutOfOrder = errors.New("journal: sequence out of order")
)

// ReadFile loads every operation of a JSONL journal.
func ReadFile(path string) ([]model.Operation, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()
	return Read(file)
}

// Read decodes JSONL operations and checks they are in sequence order.
// Several operations may share a sequence.
func Read(r io.Reader) ([]model.Operation, error) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	var (
		ops  []model.Operation
		line int
	)
	for scanner.Scan() {
		line++
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}
		var op model.Operation
		if err := json.Unmarshal(data, &op); err != nil {
			return nil, fmt.Errorf("line %d: %w: %v", line, ErrInvalidOperation, err)
		}
		if op.Op == "" {
			return nil, fmt.Errorf("line %d: %w: missing op", line, ErrInvalidOperation)
		}
		if n := len(ops); n > 0 && op.Sequence < ops[n-1].Sequence {
			return nil, fmt.Errorf("line %d: %w: %d after %d", line, ErrOutOfOrder, op.Sequence, ops[n-1].Sequence)
		}
		ops = append(ops, op)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan journal: %w", err)
	}
	return ops, nil
}

// Clock replays journal timestamps.
type Clock struct {
	mu  sync.RWMutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the timestamp of the operation being applied.
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Set moves the clock to unix seconds. Zero keeps the current time.
func (c *Clock) Set(unix int64) {
	if unix == 0 {
		return
	}
	c.mu.Lock()
	c.now = time.Unix(unix, 0).UTC()
	c.mu.Unlock()
}
