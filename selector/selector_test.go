package selector

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servicekit/errors"
)

var testURLs = []string{
	"http://10.0.0.1:8000",
	"http://10.0.0.2:8000",
	"http://10.0.0.3:8000",
}

func TestFirstAlwaysReturnsPrimary(t *testing.T) {
	s := &First{}

	for i := 0; i < 10; i++ {
		url, err := s.Next(testURLs)
		require.NoError(t, err)
		assert.Equal(t, testURLs[0], url)
	}
}

func TestFirstEmpty(t *testing.T) {
	s := &First{}
	_, err := s.Next(nil)
	assert.ErrorIs(t, err, errors.ErrNoURLs)
}

func TestRoundRobinPeriodic(t *testing.T) {
	s := &RoundRobin{}

	// Two full periods over a stable list: every URL exactly once per period,
	// in the same order.
	var got []string
	for i := 0; i < 2*len(testURLs); i++ {
		url, err := s.Next(testURLs)
		require.NoError(t, err)
		got = append(got, url)
	}

	for i := 0; i < len(testURLs); i++ {
		assert.Equal(t, testURLs[i], got[i])
		assert.Equal(t, got[i], got[i+len(testURLs)], "sequence should be periodic with period %d", len(testURLs))
	}

	counts := map[string]int{}
	for _, u := range got {
		counts[u]++
	}
	for _, u := range testURLs {
		assert.Equal(t, 2, counts[u])
	}
}

func TestRoundRobinEmpty(t *testing.T) {
	s := &RoundRobin{}
	_, err := s.Next([]string{})
	assert.ErrorIs(t, err, errors.ErrNoURLs)
}

func TestRoundRobinShrinkStaysInRange(t *testing.T) {
	s := &RoundRobin{}

	// Advance the cursor well past the length of the shrunk list.
	for i := 0; i < 7; i++ {
		_, err := s.Next(testURLs)
		require.NoError(t, err)
	}

	shrunk := testURLs[:1]
	for i := 0; i < 5; i++ {
		url, err := s.Next(shrunk)
		require.NoError(t, err)
		assert.Equal(t, shrunk[0], url)
	}
}

func TestRandom(t *testing.T) {
	s := &Random{}

	_, err := s.Next(nil)
	assert.ErrorIs(t, err, errors.ErrNoURLs)

	// Every pick comes from the list; over many picks every URL shows up.
	counts := map[string]int{}
	for i := 0; i < 300; i++ {
		url, err := s.Next(testURLs)
		require.NoError(t, err)
		counts[url]++
	}
	for _, u := range testURLs {
		assert.Greater(t, counts[u], 0, u)
	}
}

func TestRoundRobinConcurrent(t *testing.T) {
	s := &RoundRobin{}

	const callers = 8
	const perCaller = 300

	var wg sync.WaitGroup
	results := make([][]string, callers)
	for c := 0; c < callers; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			for i := 0; i < perCaller; i++ {
				url, err := s.Next(testURLs)
				if err != nil {
					t.Error(err)
					return
				}
				results[c] = append(results[c], url)
			}
		}(c)
	}
	wg.Wait()

	// Every returned URL must come from the list; with an atomic cursor the
	// total distribution is exactly even.
	counts := map[string]int{}
	for _, rs := range results {
		for _, u := range rs {
			counts[u]++
		}
	}
	total := 0
	for _, u := range testURLs {
		total += counts[u]
	}
	assert.Equal(t, callers*perCaller, total)
	for _, u := range testURLs {
		assert.Equal(t, callers*perCaller/len(testURLs), counts[u])
	}
}
