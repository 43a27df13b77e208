package session

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateStarting, StateActive, true},
		{StateStarting, StateStopping, true},
		{StateActive, StateStopping, true},
		{StateStopping, StateStopped, true},
		{StateActive, StateStarting, false},
		{StateStopped, StateActive, false},
		{StateStopping, StateActive, false},
		{StateStarting, StateStopped, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestClaim(t *testing.T) {
	t.Run("only one winner", func(t *testing.T) {
		s := &Session{}
		s.activate()

		var wins atomic.Int32
		var wg sync.WaitGroup
		for range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if s.claim() == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, StateStopping, s.State())
	})

	t.Run("loser learns why", func(t *testing.T) {
		s := &Session{}
		require.NoError(t, s.claim())
		require.ErrorIs(t, s.claim(), ErrAlreadyStopping)
		s.finish()
		require.ErrorIs(t, s.claim(), ErrAlreadyStopped)
	})

	t.Run("accepting", func(t *testing.T) {
		s := &Session{}
		require.NoError(t, s.accepting())
		s.activate()
		require.NoError(t, s.accepting())
		require.NoError(t, s.claim())
		assert.Error(t, s.accepting())
	})
}

func TestKind(t *testing.T) {
	assert.Equal(t, KindOrchestrator, ParseKind("orchestrator"))
	assert.Equal(t, KindStandard, ParseKind("bogus"))
	assert.Equal(t, "**Session** for **org/repo**", KindStandard.Label("org/repo"))
	assert.Equal(t, "**Worker session** for **org/repo**", KindWorker.Label("org/repo"))
	assert.Equal(t, "**Reviewer session** for **org/repo**", KindReviewer.Label("org/repo"))
	assert.Equal(t, "**Orchestrator session** for **org/repo**", KindOrchestrator.Label("org/repo"))
}
