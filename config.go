package claudefs

import (
	"time"

	"github.com/dirkpetersen/claudefs/internal/constants"
	"github.com/dirkpetersen/claudefs/internal/ioengine"
	"github.com/dirkpetersen/claudefs/internal/reduction"
)

// NodeParams configures a Node, generalizing the teacher's DeviceParams
// from one ublk device's queue/feature knobs to one ClaudeFS site's
// storage, reduction, and replication knobs.
type NodeParams struct {
	// SiteID identifies this node among replication peers.
	SiteID uint64

	// JournalDir is the directory the local WAL is rooted at.
	JournalDir string

	// Algorithm selects the AEAD cipher used for chunk sealing.
	Algorithm reduction.Algorithm

	// MaxKeyHistory bounds retained KEK versions (0 -> default).
	MaxKeyHistory int

	// IOEngine configures the device-facing substrate (an all-zero Config ->
	// ioengine.DefaultConfig; a partly zero one fails validation).
	IOEngine ioengine.Config

	// MaxSegmentBytes bounds one journal segment's size (0 -> default).
	MaxSegmentBytes uint64

	// Pipeline configuration: batch window, compaction, UID mapping flag,
	// HMAC key. See internal/pipeline.Config. Peers are passed to NewNode
	// separately, and NewNode sets no RemapFunc, so ApplyUIDMapping has no
	// effect on a Node's pipeline.
	LocalSiteID       uint64
	MaxBatchSize      int
	BatchTimeout      time.Duration
	CompactBeforeSend bool
	ApplyUIDMapping   bool
	HMACKey           []byte

	// ThrottleByteRatePerSec/ThrottleEntryRatePerSec bound per-peer
	// fanout bandwidth (0 -> unlimited).
	ThrottleByteRatePerSec  float64
	ThrottleEntryRatePerSec float64

	// AuthMaxAttemptsPerMinute/AuthLockoutDuration configure the auth
	// rate limiter (0 -> defaults).
	AuthMaxAttemptsPerMinute int
	AuthLockoutDuration      time.Duration
	AdminToken               []byte

	// FailureThreshold/RecoveryThreshold configure the failover manager
	// (0 -> 1, as failover.New treats non-positive thresholds).
	FailureThreshold  int
	RecoveryThreshold int
}

// DefaultParams returns sensible defaults for a single-site ClaudeFS node.
func DefaultParams(siteID uint64, journalDir string) NodeParams {
	return NodeParams{
		SiteID:            siteID,
		JournalDir:        journalDir,
		Algorithm:         reduction.AlgorithmAES256GCM,
		MaxKeyHistory:     constants.DefaultMaxKeyHistory,
		IOEngine:          ioengine.DefaultConfig(),
		MaxSegmentBytes:   0,
		LocalSiteID:       siteID,
		MaxBatchSize:      constants.DefaultMaxBatchSize,
		BatchTimeout:      constants.DefaultBatchTimeout,
		CompactBeforeSend: true,
		FailureThreshold:  constants.DefaultFailureThreshold,
		RecoveryThreshold: constants.DefaultRecoveryThreshold,
	}
}
