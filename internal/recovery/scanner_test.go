package recovery

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/identkit/idagent/internal/common"
	"github.com/identkit/idagent/internal/hdkeys"
	"github.com/identkit/idagent/internal/identity"
	"github.com/identkit/idagent/internal/logging"
	"github.com/stretchr/testify/require"
)

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// fakeStatus marks a fixed set of derivation indices as active for a
// given seed, and can inject per-call failures.
type fakeStatus struct {
	activeDIDs map[string]bool
	failures   map[string]int // did -> remaining consecutive failures
	calls      int
}

func (f *fakeStatus) CheckStatus(ctx context.Context, did string) (*identity.Status, error) {
	f.calls++
	if n := f.failures[did]; n > 0 {
		f.failures[did] = n - 1
		return nil, common.ErrNetwork
	}
	if f.activeDIDs[did] {
		return &identity.Status{IsActive: true, InstanceStatus: "ok"}, nil
	}
	return &identity.Status{IsActive: false}, nil
}

func didAt(t *testing.T, seed []byte, index uint32) string {
	t.Helper()
	mk, err := hdkeys.MasterKeyFromSeed(seed)
	require.NoError(t, err)
	defer mk.Wipe()
	kp, err := hdkeys.DeriveChildKeyPair(mk, index)
	require.NoError(t, err)
	defer kp.Wipe()
	return hdkeys.DIDFromPublicKey(kp.PublicKey)
}

func testSeed() []byte {
	seed := make([]byte, 64)
	copy(seed, []byte("recovery scanner test seed"))
	return seed
}

func activeSet(t *testing.T, seed []byte, indices ...uint32) map[string]bool {
	t.Helper()
	m := make(map[string]bool, len(indices))
	for _, i := range indices {
		m[didAt(t, seed, i)] = true
	}
	return m
}

func TestScan_SparseActiveIndices(t *testing.T) {
	seed := testSeed()
	status := &fakeStatus{activeDIDs: activeSet(t, seed, 0, 3, 7)}

	s := NewScanner(status, 20, testLogger())
	result, err := s.Scan(context.Background(), seed)
	require.NoError(t, err)

	var indices []uint32
	for _, r := range result.Identities {
		indices = append(indices, r.Index)
		require.NotEmpty(t, r.DID)
	}
	require.Equal(t, []uint32{0, 3, 7}, indices)
	require.Equal(t, uint32(8), result.NextAccountIndex)

	// Scan must stop at index 27 (7 + gap limit 20): 28 checks total.
	require.Equal(t, 28, status.calls)
}

func TestScan_NothingRegistered(t *testing.T) {
	seed := testSeed()
	status := &fakeStatus{activeDIDs: map[string]bool{}}

	s := NewScanner(status, 20, testLogger())
	result, err := s.Scan(context.Background(), seed)
	require.NoError(t, err)
	require.Empty(t, result.Identities)
	require.Equal(t, uint32(0), result.NextAccountIndex)
	require.Equal(t, 20, status.calls)
}

func TestScan_TransientFailureRetriedOnce(t *testing.T) {
	seed := testSeed()
	did3 := didAt(t, seed, 3)

	status := &fakeStatus{
		activeDIDs: activeSet(t, seed, 0, 3),
		failures:   map[string]int{did3: 1}, // first check fails, retry succeeds
	}

	s := NewScanner(status, 5, testLogger())
	result, err := s.Scan(context.Background(), seed)
	require.NoError(t, err)

	require.Len(t, result.Identities, 2)
	require.Equal(t, uint32(3), result.Identities[1].Index)
	require.Equal(t, uint32(4), result.NextAccountIndex)
}

func TestScan_PersistentFailureCountsAsInactive(t *testing.T) {
	seed := testSeed()
	did1 := didAt(t, seed, 1)

	status := &fakeStatus{
		activeDIDs: activeSet(t, seed, 0),
		failures:   map[string]int{did1: 2}, // both attempts fail
	}

	s := NewScanner(status, 3, testLogger())
	result, err := s.Scan(context.Background(), seed)
	require.NoError(t, err)

	require.Len(t, result.Identities, 1)
	require.Equal(t, uint32(1), result.NextAccountIndex)
}

func TestScan_ContextCancellation(t *testing.T) {
	seed := testSeed()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewScanner(&fakeStatus{}, 20, testLogger())
	_, err := s.Scan(ctx, seed)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewScanner_DefaultGapLimit(t *testing.T) {
	s := NewScanner(&fakeStatus{}, 0, testLogger())
	require.Equal(t, DefaultGapLimit, s.gapLimit)
}
