// Package selector provides URL selection strategies for channels.
//
// A channel holds a live list of currently healthy URLs and asks its
// selector which one serves the next call. Three strategies are implemented:
//   - First:      always the primary (index 0), for failover lists
//   - RoundRobin: even distribution across equal instances
//   - Random:     uniform random pick, no shared state
package selector

import (
	"math/rand"
	"sync/atomic"

	"servicekit/errors"
)

// Selector picks one URL from the current healthy list.
// Next is called on every invocation and must be goroutine-safe. The list
// passed in is a snapshot: it may shrink or grow between calls, so any
// internal cursor must be re-clamped against len(urls) on each call.
type Selector interface {
	Next(urls []string) (string, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// First always returns the first URL of the list, treating list order as
// preference order. Stateless.
type First struct{}

func (s *First) Next(urls []string) (string, error) {
	if len(urls) == 0 {
		return "", errors.ErrNoURLs
	}
	return urls[0], nil
}

func (s *First) Name() string { return "first" }

// RoundRobin distributes calls evenly across all URLs in order. The cursor
// is a free-running atomic counter shared by all callers of the owning
// channel; the index is computed modulo the snapshot length on every call,
// so a concurrently shrinking list can repeat a URL but never produce an
// out-of-range index.
type RoundRobin struct {
	cursor atomic.Int64
}

func (s *RoundRobin) Next(urls []string) (string, error) {
	if len(urls) == 0 {
		return "", errors.ErrNoURLs
	}
	index := (s.cursor.Add(1) - 1) % int64(len(urls))
	return urls[index], nil
}

func (s *RoundRobin) Name() string { return "round-robin" }

// Random picks a URL uniformly at random. Useful when many independent
// callers would otherwise round-robin in lockstep.
type Random struct{}

func (s *Random) Next(urls []string) (string, error) {
	if len(urls) == 0 {
		return "", errors.ErrNoURLs
	}
	return urls[rand.Intn(len(urls))], nil
}

func (s *Random) Name() string { return "random" }
