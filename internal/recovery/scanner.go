// Package recovery implements HD account discovery for an imported
// mnemonic: derivation indices are walked in order and checked against
// the remote "is this DID active" endpoint until a gap of consecutive
// unused indices proves no further accounts exist.
package recovery

import (
	"context"
	"fmt"

	"github.com/identkit/idagent/internal/hdkeys"
	"github.com/identkit/idagent/internal/identity"
	"github.com/identkit/idagent/internal/logging"
)

// DefaultGapLimit matches the standard HD-wallet discovery rule: a run
// of 20 consecutive unregistered indices ends the scan.
const DefaultGapLimit = 20

// StatusChecker answers whether a DID is registered. Satisfied by
// *identity.Client.
type StatusChecker interface {
	CheckStatus(ctx context.Context, did string) (*identity.Status, error)
}

// Recovered describes one active account found during a scan.
type Recovered struct {
	Index          uint32
	DID            string
	InstanceStatus string
}

// Result is the outcome of a completed scan.
type Result struct {
	Identities []Recovered
	// NextAccountIndex is one past the highest active index found, or
	// zero if nothing was recovered.
	NextAccountIndex uint32
}

// Scanner walks derivation indices against the status endpoint.
type Scanner struct {
	status   StatusChecker
	gapLimit int
	logger   logging.Logger
}

func NewScanner(status StatusChecker, gapLimit int, logger logging.Logger) *Scanner {
	if gapLimit <= 0 {
		gapLimit = DefaultGapLimit
	}
	return &Scanner{status: status, gapLimit: gapLimit, logger: logger.With("module", "recovery")}
}

// Scan derives the keypair and DID at each index starting from zero and
// queries the status endpoint. Active indices reset the gap counter and
// are collected; the scan stops once gapLimit consecutive indices are
// inactive. Sparse registries are tolerated up to the gap width.
//
// A failed status check is retried once; if the retry also fails the
// index is counted as inactive and a warning is logged. The scan itself
// only fails on derivation errors or context cancellation.
func (s *Scanner) Scan(ctx context.Context, seed []byte) (*Result, error) {
	mk, err := hdkeys.MasterKeyFromSeed(seed)
	if err != nil {
		return nil, err
	}
	defer mk.Wipe()

	result := &Result{}
	gap := 0

	for index := uint32(0); gap < s.gapLimit; index++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		did, active, instanceStatus, err := s.checkIndex(ctx, mk, index)
		if err != nil {
			return nil, err
		}

		if !active {
			gap++
			continue
		}

		gap = 0
		result.Identities = append(result.Identities, Recovered{
			Index:          index,
			DID:            did,
			InstanceStatus: instanceStatus,
		})
		result.NextAccountIndex = index + 1
	}

	s.logger.Info(ctx, "recovery scan finished",
		"recovered", len(result.Identities),
		"next_account_index", result.NextAccountIndex)
	return result, nil
}

func (s *Scanner) checkIndex(ctx context.Context, mk *hdkeys.MasterKey, index uint32) (string, bool, string, error) {
	did, err := s.didAt(mk, index)
	if err != nil {
		return "", false, "", err
	}

	status, err := s.status.CheckStatus(ctx, did)
	if err != nil {
		// One retry before counting the index as inactive; a transient
		// outage should not truncate the recovered account list.
		status, err = s.status.CheckStatus(ctx, did)
	}
	if err != nil {
		s.logger.Warn(ctx, "status check failed twice, counting index as inactive",
			"index", index, "err", err)
		return did, false, "", nil
	}

	return did, status.IsActive, status.InstanceStatus, nil
}

func (s *Scanner) didAt(mk *hdkeys.MasterKey, index uint32) (string, error) {
	kp, err := hdkeys.DeriveChildKeyPair(mk, index)
	if err != nil {
		return "", fmt.Errorf("derive index %d: %w", index, err)
	}
	defer kp.Wipe()
	return hdkeys.DIDFromPublicKey(kp.PublicKey), nil
}
