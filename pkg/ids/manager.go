package ids

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/baaaht/dispatch/internal/config"
	"github.com/baaaht/dispatch/internal/logger"
	"github.com/baaaht/dispatch/pkg/types"
)

// IDPair is the thread/run identity of one conversation turn.
// Pairs are only built by the Manager, which guarantees that RunID embeds ThreadID.
type IDPair struct {
	ThreadID string `json:"thread_id"`
	RunID    string `json:"run_id"`
}

// Observer is notified synchronously of every generated structured ID.
type Observer func(StructuredID)

// Stats is a snapshot of generation counters.
type Stats struct {
	Sequence  uint64          `json:"sequence"`
	Generated map[Type]uint64 `json:"generated"`
	RunIDs    uint64          `json:"run_ids"`
}

type observerEntry struct {
	id  uint64
	obs Observer
}

// Manager generates structured identifiers and enforces thread/run consistency.
// It is safe for concurrent use.
type Manager struct {
	cfg    config.IdentifierConfig
	logger *logger.Logger

	sequence  atomic.Uint64
	runIDs    atomic.Uint64
	generated map[Type]*atomic.Uint64

	obsMu     sync.RWMutex
	obsNext   uint64
	observers []observerEntry

	now func() time.Time
}

// NewManager creates an identifier manager. Non-positive lengths take the
// defaults and lengths above config.MaxScopeLengthLimit or
// config.MaxThreadIDLengthLimit are clamped, so every generated identifier
// stays parseable.
func NewManager(cfg config.IdentifierConfig, log *logger.Logger) *Manager {
	def := config.DefaultIdentifierConfig()
	if cfg.MaxScopeLength <= 0 {
		cfg.MaxScopeLength = def.MaxScopeLength
	}
	if cfg.MaxThreadIDLength <= 0 {
		cfg.MaxThreadIDLength = def.MaxThreadIDLength
	}
	cfg.MaxScopeLength = min(cfg.MaxScopeLength, config.MaxScopeLengthLimit)
	cfg.MaxThreadIDLength = min(cfg.MaxThreadIDLength, config.MaxThreadIDLengthLimit)

	generated := make(map[Type]*atomic.Uint64, len(AllTypes))
	for _, t := range AllTypes {
		generated[t] = new(atomic.Uint64)
	}

	return &Manager{
		cfg:       cfg,
		logger:    logger.OrDefault(log).With("component", "id_manager"),
		generated: generated,
		now:       time.Now,
	}
}

var defaultManager = sync.OnceValue(func() *Manager {
	return NewManager(config.DefaultIdentifierConfig(), nil)
})

// Default returns the process-wide manager, created on first use.
func Default() *Manager {
	return defaultManager()
}

// Generate creates a new structured ID of the given type. scope is optional;
// when set it must be alphanumeric with '_' or '-'.
//
// Run IDs have their own grammar and are created with GenerateRunID.
func (m *Manager) Generate(typ Type, scope string) (StructuredID, error) {
	if !typ.Valid() {
		return StructuredID{}, types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("unknown id type %q", typ))
	}
	if typ == TypeRun {
		return StructuredID{}, types.NewError(types.ErrCodeInvalidArgument, "run ids must be generated from a thread id")
	}
	if scope != "" && (len(scope) > m.cfg.MaxScopeLength || !scopePattern.MatchString(scope)) {
		return StructuredID{}, types.WrapError(types.ErrCodeInvalidScope,
			fmt.Sprintf("scope %q must match [A-Za-z0-9_-]{1,%d}", truncate(scope), m.cfg.MaxScopeLength),
			types.ErrInvalidScope)
	}

	random, err := randomHex()
	if err != nil {
		return StructuredID{}, err
	}

	id := StructuredID{
		Type:      typ,
		Scope:     scope,
		Sequence:  m.sequence.Add(1),
		Random:    random,
		CreatedAt: m.now(),
	}
	m.generated[typ].Add(1)

	m.notify(id)
	return id, nil
}

// GenerateString is Generate returning the textual form.
func (m *Manager) GenerateString(typ Type, scope string) (string, error) {
	id, err := m.Generate(typ, scope)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// GenerateRunID creates run_<threadID>_<random>.
func (m *Manager) GenerateRunID(threadID string) (string, error) {
	if !IsValidThreadID(threadID, m.cfg.MaxThreadIDLength) {
		return "", types.WrapError(types.ErrCodeInvalidThreadID,
			fmt.Sprintf("thread id %q must start alphanumeric, contain only [A-Za-z0-9_-] and be at most %d characters",
				truncate(threadID), m.cfg.MaxThreadIDLength),
			types.ErrInvalidThreadID)
	}

	random, err := randomHex()
	if err != nil {
		return "", err
	}
	m.runIDs.Add(1)
	return "run_" + threadID + "_" + random, nil
}

// ExtractThreadID returns the thread embedded in a run ID. It never fails:
// any string outside the run grammar yields ok == false.
func (m *Manager) ExtractThreadID(runID string) (string, bool) {
	return ExtractThreadID(runID)
}

// ExtractThreadID is the package-level form of Manager.ExtractThreadID.
func ExtractThreadID(runID string) (string, bool) {
	if len(runID) > MaxIDLength {
		return "", false
	}
	match := runPattern.FindStringSubmatch(runID)
	if match == nil {
		return "", false
	}
	return match[1], true
}

// IsValidThreadID reports whether threadID satisfies the thread grammar and
// the configured length cap.
func (m *Manager) IsValidThreadID(threadID string) bool {
	return IsValidThreadID(threadID, m.cfg.MaxThreadIDLength)
}

// ValidateConsistency reports whether runID embeds threadID.
func (m *Manager) ValidateConsistency(runID, threadID string) bool {
	extracted, ok := ExtractThreadID(runID)
	return ok && extracted == threadID
}

// ResolveThreadID picks a thread ID from the first source that has one:
// the thread embedded in runID, then threadID, then legacyThreadID.
// Empty strings count as absent. The run ID wins because a caller may hold a
// stale thread ID alongside a fresh run ID.
func (m *Manager) ResolveThreadID(runID, threadID, legacyThreadID string) (string, bool) {
	if runID != "" {
		if extracted, ok := ExtractThreadID(runID); ok {
			return extracted, true
		}
	}
	if threadID != "" {
		return threadID, true
	}
	if legacyThreadID != "" {
		return legacyThreadID, true
	}
	return "", false
}

// GetOrGenerateRunID returns runID unchanged when it is well formed, or
// generates a fresh run ID for threadID when runID is empty.
func (m *Manager) GetOrGenerateRunID(runID, threadID string) (string, error) {
	if runID != "" {
		if !IsValidRunID(runID) {
			return "", types.WrapError(types.ErrCodeInvalidRunID,
				fmt.Sprintf("run id %q does not match run_<thread>_<hex8>", truncate(runID)),
				types.ErrInvalidRunID)
		}
		return runID, nil
	}
	if threadID == "" {
		return "", types.WrapError(types.ErrCodeMissingIdentifier,
			"either a run id or a thread id is required", types.ErrMissingIdentifier)
	}
	return m.GenerateRunID(threadID)
}

// NewIDPair validates an existing thread/run combination.
func (m *Manager) NewIDPair(threadID, runID string) (IDPair, error) {
	if !IsValidThreadID(threadID, m.cfg.MaxThreadIDLength) {
		return IDPair{}, types.WrapError(types.ErrCodeInvalidThreadID,
			fmt.Sprintf("thread id %q", truncate(threadID)), types.ErrInvalidThreadID)
	}
	if !IsValidRunID(runID) {
		return IDPair{}, types.WrapError(types.ErrCodeInvalidRunID,
			fmt.Sprintf("run id %q", truncate(runID)), types.ErrInvalidRunID)
	}
	if !m.ValidateConsistency(runID, threadID) {
		return IDPair{}, types.WrapError(types.ErrCodeIdentityMismatch,
			fmt.Sprintf("run id %q does not belong to thread %q", truncate(runID), truncate(threadID)),
			types.ErrIdentityMismatch)
	}
	return IDPair{ThreadID: threadID, RunID: runID}, nil
}

// NewTurn returns the identity pair for the next turn of threadID.
// An empty threadID starts a new thread.
func (m *Manager) NewTurn(threadID string) (IDPair, error) {
	if threadID == "" {
		id, err := m.Generate(TypeThread, "")
		if err != nil {
			return IDPair{}, err
		}
		threadID = id.String()
	}

	runID, err := m.GenerateRunID(threadID)
	if err != nil {
		return IDPair{}, err
	}
	return IDPair{ThreadID: threadID, RunID: runID}, nil
}

// Subscribe registers an observer for generated structured IDs. Observers run
// on the generating goroutine and must not block. The returned func removes
// the observer; calling it more than once is harmless.
func (m *Manager) Subscribe(obs Observer) (unsubscribe func()) {
	if obs == nil {
		return func() {}
	}

	m.obsMu.Lock()
	defer m.obsMu.Unlock()

	m.obsNext++
	id := m.obsNext
	next := make([]observerEntry, 0, len(m.observers)+1)
	next = append(next, m.observers...)
	m.observers = append(next, observerEntry{id: id, obs: obs})

	return func() { m.unsubscribe(id) }
}

func (m *Manager) unsubscribe(id uint64) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()

	next := make([]observerEntry, 0, len(m.observers))
	for _, e := range m.observers {
		if e.id != id {
			next = append(next, e)
		}
	}
	m.observers = next
}

// Observers returns the number of registered observers.
func (m *Manager) Observers() int {
	m.obsMu.RLock()
	defer m.obsMu.RUnlock()
	return len(m.observers)
}

func (m *Manager) notify(id StructuredID) {
	m.obsMu.RLock()
	observers := m.observers
	m.obsMu.RUnlock()

	for _, e := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("ID observer panicked", "id", id.String(), "panic", r)
				}
			}()
			e.obs(id)
		}()
	}
}

// Stats returns a snapshot of the generation counters.
func (m *Manager) Stats() Stats {
	generated := make(map[Type]uint64, len(m.generated))
	for t, c := range m.generated {
		generated[t] = c.Load()
	}
	return Stats{
		Sequence:  m.sequence.Load(),
		Generated: generated,
		RunIDs:    m.runIDs.Load(),
	}
}

func randomHex() (string, error) {
	b := make([]byte, RandomLength/2)
	if _, err := rand.Read(b); err != nil {
		return "", types.WrapError(types.ErrCodeInternal, "failed to read random bytes", err)
	}
	return hex.EncodeToString(b), nil
}

// truncate shortens untrusted input before it is echoed in an error.
func truncate(s string) string {
	const limit = 64
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
