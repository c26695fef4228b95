package market

import (
	"fmt"
	"sync"
)

// Sequencer supplies the monotonic counter that orders operations,
// block height in an on-chain deployment.
type Sequencer interface {
	Current() uint64
}

// ManualSequencer is a Sequencer advanced explicitly by its owner.
type ManualSequencer struct {
	mu      sync.Mutex
	current uint64
}

// NewManualSequencer starts the counter at start.
func NewManualSequencer(start uint64) *ManualSequencer {
	return &ManualSequencer{current: start}
}

// Current implements Sequencer.
func (s *ManualSequencer) Current() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Set moves the counter to seq. Moving backwards fails.
func (s *ManualSequencer) Set(seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq < s.current {
		return fmt.Errorf("set sequence %d below %d: %w", seq, s.current, ErrSequenceRegression)
	}
	s.current = seq
	return nil
}

// Advance moves the counter forward by n and returns the new value.
func (s *ManualSequencer) Advance(n uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current += n
	return s.current
}

// BatchID returns the first sequence number of the window containing seq.
func BatchID(seq, batchSize uint64) uint64 {
	if batchSize == 0 {
		return seq
	}
	return seq - seq%batchSize
}
