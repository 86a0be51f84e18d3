package ids

import (
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/baaaht/dispatch/internal/config"
	"github.com/baaaht/dispatch/internal/logger"
	"github.com/baaaht/dispatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(config.DefaultIdentifierConfig(), logger.NewNop())
}

func TestGenerate(t *testing.T) {
	m := newTestManager(t)

	id, err := m.Generate(TypeSession, "user-42")
	require.NoError(t, err)
	assert.Equal(t, TypeSession, id.Type)
	assert.Equal(t, "user-42", id.Scope)
	assert.Len(t, id.Random, RandomLength)
	assert.False(t, id.CreatedAt.IsZero())

	parsed, err := Parse(id.String())
	require.NoError(t, err)
	assert.Equal(t, id.Type, parsed.Type)
	assert.Equal(t, id.Scope, parsed.Scope)
	assert.Equal(t, id.Random, parsed.Random)

	unscoped, err := m.Generate(TypeWebSocket, "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(unscoped.String(), "websocket_"))
	assert.Greater(t, unscoped.Sequence, id.Sequence)
}

func TestGenerateRejectsBadInput(t *testing.T) {
	m := NewManager(config.IdentifierConfig{MaxScopeLength: 8, MaxThreadIDLength: 16}, logger.NewNop())

	tests := []struct {
		name  string
		typ   Type
		scope string
		want  error
	}{
		{"space in scope", TypeUser, "a b", types.ErrInvalidScope},
		{"slash in scope", TypeUser, "a/b", types.ErrInvalidScope},
		{"newline in scope", TypeUser, "ab\n", types.ErrInvalidScope},
		{"scope too long", TypeUser, "abcdefghi", types.ErrInvalidScope},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Generate(tt.typ, tt.scope)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := m.Generate("order", "")
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))

	_, err = m.Generate(TypeRun, "thread1")
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))

	// Failed generation never consumes a sequence number.
	assert.Equal(t, uint64(0), m.Stats().Sequence)
}

func TestGenerateUniqueUnderConcurrency(t *testing.T) {
	m := newTestManager(t)

	const workers = 50
	const perWorker = 400

	results := make(chan string, workers*perWorker)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				id, err := m.Generate(TypeExecution, "agent")
				if err != nil {
					t.Errorf("Generate: %v", err)
					return
				}
				results <- id.String()
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[string]struct{}, workers*perWorker)
	sequences := make(map[uint64]struct{}, workers*perWorker)
	for s := range results {
		_, dup := seen[s]
		require.False(t, dup, "duplicate id %s", s)
		seen[s] = struct{}{}

		parsed, err := Parse(s)
		require.NoError(t, err)
		_, dupSeq := sequences[parsed.Sequence]
		require.False(t, dupSeq, "sequence %d reused", parsed.Sequence)
		sequences[parsed.Sequence] = struct{}{}
	}
	assert.Len(t, seen, workers*perWorker)
	assert.Equal(t, uint64(workers*perWorker), m.Stats().Sequence)
	assert.Equal(t, uint64(workers*perWorker), m.Stats().Generated[TypeExecution])
}

func TestGenerateRunIDRoundTrip(t *testing.T) {
	m := newTestManager(t)

	threads := []string{
		"abc",
		"a",
		"thread_12_deadbeef",
		"with_many_under_scores",
		"dash-and_underscore-9",
		"ends_with_hex_1a2b3c4d",
		strings.Repeat("x", config.DefaultMaxThreadIDLength),
	}
	for _, thread := range threads {
		runID, err := m.GenerateRunID(thread)
		require.NoError(t, err, thread)
		assert.True(t, strings.HasPrefix(runID, "run_"+thread+"_"))
		assert.True(t, IsValidRunID(runID))

		got, ok := m.ExtractThreadID(runID)
		require.True(t, ok, runID)
		assert.Equal(t, thread, got)
		assert.True(t, m.ValidateConsistency(runID, thread))
	}
}

func TestGenerateRunIDRejectsBadThread(t *testing.T) {
	m := newTestManager(t)

	for _, thread := range []string{"", "_lead", "has space", "semi;colon", strings.Repeat("x", config.DefaultMaxThreadIDLength+1)} {
		_, err := m.GenerateRunID(thread)
		assert.ErrorIs(t, err, types.ErrInvalidThreadID, "thread %q", thread)
	}
}

func TestExtractThreadID(t *testing.T) {
	tests := []struct {
		runID  string
		thread string
		ok     bool
	}{
		{"run_abc_1a2b3c4d", "abc", true},
		{"run_thread_12_deadbeef_0a1b2c3d", "thread_12_deadbeef", true},
		{"run_a-b_ffffffff", "a-b", true},
		{"run_abc_1A2B3C4D", "", false},
		{"run_abc_1a2b3c", "", false},
		{"run__1a2b3c4d", "", false},
		{"run_abc", "", false},
		{"abc_1a2b3c4d", "", false},
		{"xrun_abc_1a2b3c4d", "", false},
		{"run_abc_1a2b3c4d\n", "", false},
		{"run_a b_1a2b3c4d", "", false},
		{"", "", false},
		{"run_" + strings.Repeat("a", MaxIDLength) + "_1a2b3c4d", "", false},
	}

	for _, tt := range tests {
		got, ok := ExtractThreadID(tt.runID)
		assert.Equal(t, tt.ok, ok, "ExtractThreadID(%q)", tt.runID)
		assert.Equal(t, tt.thread, got, "ExtractThreadID(%q)", tt.runID)
	}
}

func TestValidateConsistency(t *testing.T) {
	m := newTestManager(t)

	assert.True(t, m.ValidateConsistency("run_abc_1a2b3c4d", "abc"))
	assert.False(t, m.ValidateConsistency("run_abc_1a2b3c4d", "xyz"))
	assert.False(t, m.ValidateConsistency("run_abc_1a2b3c4d", "ab"))
	assert.False(t, m.ValidateConsistency("garbage", "garbage"))
}

func TestResolveThreadID(t *testing.T) {
	m := newTestManager(t)

	tests := []struct {
		name             string
		runID            string
		threadID, legacy string
		want             string
		ok               bool
	}{
		{"run id wins over both fallbacks", "run_abc_1a2b3c4d", "xyz", "old", "abc", true},
		{"thread id when run id absent", "", "xyz", "old", "xyz", true},
		{"legacy when nothing else", "", "", "old", "old", true},
		{"malformed run id falls through", "not-a-run", "xyz", "old", "xyz", true},
		{"malformed run id and nothing else", "not-a-run", "", "", "", false},
		{"all absent", "", "", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := m.ResolveThreadID(tt.runID, tt.threadID, tt.legacy)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetOrGenerateRunID(t *testing.T) {
	m := newTestManager(t)

	got, err := m.GetOrGenerateRunID("run_abc_1a2b3c4d", "ignored")
	require.NoError(t, err)
	assert.Equal(t, "run_abc_1a2b3c4d", got)

	got, err = m.GetOrGenerateRunID("", "abc")
	require.NoError(t, err)
	assert.True(t, m.ValidateConsistency(got, "abc"))

	_, err = m.GetOrGenerateRunID("run_abc", "abc")
	assert.ErrorIs(t, err, types.ErrInvalidRunID)

	_, err = m.GetOrGenerateRunID("", "")
	assert.ErrorIs(t, err, types.ErrMissingIdentifier)

	_, err = m.GetOrGenerateRunID("", "bad thread")
	assert.ErrorIs(t, err, types.ErrInvalidThreadID)
}

func TestNewIDPair(t *testing.T) {
	m := newTestManager(t)

	pair, err := m.NewIDPair("abc", "run_abc_1a2b3c4d")
	require.NoError(t, err)
	assert.Equal(t, IDPair{ThreadID: "abc", RunID: "run_abc_1a2b3c4d"}, pair)

	_, err = m.NewIDPair("xyz", "run_abc_1a2b3c4d")
	assert.ErrorIs(t, err, types.ErrIdentityMismatch)

	_, err = m.NewIDPair("abc", "run_abc")
	assert.ErrorIs(t, err, types.ErrInvalidRunID)

	_, err = m.NewIDPair("", "run_abc_1a2b3c4d")
	assert.ErrorIs(t, err, types.ErrInvalidThreadID)
}

func TestNewTurn(t *testing.T) {
	m := newTestManager(t)

	first, err := m.NewTurn("")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first.ThreadID, "thread_"))
	assert.True(t, m.ValidateConsistency(first.RunID, first.ThreadID))

	second, err := m.NewTurn(first.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, first.ThreadID, second.ThreadID)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestSubscribe(t *testing.T) {
	m := newTestManager(t)

	var mu sync.Mutex
	var seen []StructuredID
	m.Subscribe(func(id StructuredID) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, id)
	})
	m.Subscribe(func(StructuredID) { panic("observer failure") })
	m.Subscribe(nil)

	id, err := m.Generate(TypeUser, "")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, id, seen[0])
}

func TestSubscribeUnsubscribe(t *testing.T) {
	m := newTestManager(t)

	var calls int
	unsubscribe := m.Subscribe(func(StructuredID) { calls++ })
	assert.Equal(t, 1, m.Observers())

	_, err := m.Generate(TypeUser, "")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, m.Observers())

	_, err = m.Generate(TypeUser, "")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	assert.NotPanics(t, m.Subscribe(nil))
}

func TestLengthLimitsKeepIdentifiersParseable(t *testing.T) {
	m := NewManager(config.IdentifierConfig{MaxScopeLength: 300, MaxThreadIDLength: 300}, logger.NewNop())

	t.Run("thread at the limit", func(t *testing.T) {
		thread := strings.Repeat("a", config.MaxThreadIDLengthLimit)
		assert.True(t, m.IsValidThreadID(thread))

		runID, err := m.GenerateRunID(thread)
		require.NoError(t, err)
		assert.Len(t, runID, MaxIDLength)

		extracted, ok := ExtractThreadID(runID)
		require.True(t, ok)
		assert.Equal(t, thread, extracted)

		same, err := m.GetOrGenerateRunID(runID, "")
		require.NoError(t, err)
		assert.Equal(t, runID, same)
	})

	t.Run("thread above the limit", func(t *testing.T) {
		_, err := m.GenerateRunID(strings.Repeat("a", config.MaxThreadIDLengthLimit+1))
		assert.ErrorIs(t, err, types.ErrInvalidThreadID)
	})

	t.Run("scope at the limit with the largest sequence", func(t *testing.T) {
		m.sequence.Store(math.MaxUint64 - 1)
		scope := strings.Repeat("s", config.MaxScopeLengthLimit)

		id, err := m.Generate(TypeExecution, scope)
		require.NoError(t, err)
		assert.Len(t, id.String(), MaxIDLength)

		parsed, err := Parse(id.String())
		require.NoError(t, err)
		assert.Equal(t, scope, parsed.Scope)
		assert.Equal(t, uint64(math.MaxUint64), parsed.Sequence)
	})

	t.Run("scope above the limit", func(t *testing.T) {
		_, err := m.Generate(TypeSession, strings.Repeat("s", config.MaxScopeLengthLimit+1))
		assert.ErrorIs(t, err, types.ErrInvalidScope)
	})
}

func TestDefaultManagerIsShared(t *testing.T) {
	assert.Same(t, Default(), Default())
}
