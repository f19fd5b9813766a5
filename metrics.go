package tenauth

import "sync/atomic"

// MetricID indexes one in-process counter.
type MetricID int

const (
	// MetricLoginSuccess counts completed password logins.
	MetricLoginSuccess MetricID = iota
	// MetricLoginFailure counts rejected credential attempts.
	MetricLoginFailure
	// MetricLoginLockout counts lockouts triggered by failed attempts.
	MetricLoginLockout
	// MetricMFAChallengeIssued counts logins deferred into an MFA challenge.
	MetricMFAChallengeIssued
	// MetricMFASuccess counts completed MFA confirmations.
	MetricMFASuccess
	// MetricMFAFailure counts failed MFA confirmations.
	MetricMFAFailure
	// MetricTokenRefresh counts successful refresh rotations.
	MetricTokenRefresh
	// MetricRefreshReuse counts detected refresh token reuse.
	MetricRefreshReuse
	// MetricPasswordChange counts completed password changes.
	MetricPasswordChange
	// MetricPasswordReset counts consumed reset tokens.
	MetricPasswordReset
	// MetricUserCreated counts registrations.
	MetricUserCreated
	// MetricSessionRevoked counts explicit session revocations.
	MetricSessionRevoked

	metricCount
)

var metricNames = [metricCount]string{
	MetricLoginSuccess:       "login_success_total",
	MetricLoginFailure:       "login_failure_total",
	MetricLoginLockout:       "login_lockout_total",
	MetricMFAChallengeIssued: "mfa_challenge_issued_total",
	MetricMFASuccess:         "mfa_success_total",
	MetricMFAFailure:         "mfa_failure_total",
	MetricTokenRefresh:       "token_refresh_total",
	MetricRefreshReuse:       "refresh_reuse_total",
	MetricPasswordChange:     "password_change_total",
	MetricPasswordReset:      "password_reset_total",
	MetricUserCreated:        "user_created_total",
	MetricSessionRevoked:     "session_revoked_total",
}

// String returns the stable metric name used in snapshots and exports.
func (id MetricID) String() string {
	if id < 0 || id >= metricCount {
		return "unknown"
	}
	return metricNames[id]
}

// MetricIDs lists every counter, in export order.
func MetricIDs() []MetricID {
	ids := make([]MetricID, metricCount)
	for i := range ids {
		ids[i] = MetricID(i)
	}
	return ids
}

// paddedCounter avoids false sharing between adjacent counters on the
// login hot path.
type paddedCounter struct {
	value atomic.Uint64
	_     [56]byte
}

// Metrics is a fixed set of lock-free counters. The zero value is ready
// to use; a nil *Metrics discards increments.
type Metrics struct {
	counters [metricCount]paddedCounter
}

// NewMetrics returns a zeroed Metrics.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// Inc adds one to the counter.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || id < 0 || id >= metricCount {
		return
	}
	m.counters[id].value.Add(1)
}

// Value reads one counter.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id < 0 || id >= metricCount {
		return 0
	}
	return m.counters[id].value.Load()
}

// Snapshot returns a point-in-time copy of all counters keyed by name.
// Counters are read individually; the snapshot is not a single atomic
// cut across all of them.
func (m *Metrics) Snapshot() map[string]uint64 {
	snapshot := make(map[string]uint64, metricCount)
	for id := MetricID(0); id < metricCount; id++ {
		snapshot[metricNames[id]] = m.Value(id)
	}
	return snapshot
}
