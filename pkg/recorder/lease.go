package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// recordingLeasePrefix is the etcd election prefix a job's standby
// recorders campaign under. Mirrors the layout of the platform's
// partition lease keys, one level up: here the contended resource is
// "who is the active recorder for this bag", not a partition.
const recordingLeasePrefix = "/bagtransport/recording-leases"

// LeaseManagerConfig configures a RecordingLeaseManager.
type LeaseManagerConfig struct {
	// JobID identifies the recording job standby instances campaign for.
	JobID string
	// CandidateID identifies this process among the candidates.
	CandidateID string
	// SessionTTLSeconds bounds how long a dead leader's slot is held
	// before a standby can take over.
	SessionTTLSeconds int
	Logger            *slog.Logger
}

// RecordingLeaseManager provides exclusive "active recorder" status
// for a bag recording job across a fleet of standby instances, so
// exactly one process runs Recorder.Record at a time. It reuses the
// session-lifecycle pattern of a partition lease manager, but the
// actual contended primitive is an etcd election rather than a
// per-partition CAS, since there is exactly one leader slot to hand
// out rather than many independent partitions.
type RecordingLeaseManager struct {
	client      *clientv3.Client
	jobID       string
	candidateID string
	ttl         int
	logger      *slog.Logger
	closed      atomic.Bool

	mu       sync.Mutex
	session  *concurrency.Session
	election *concurrency.Election
	isLeader atomic.Bool
}

// NewRecordingLeaseManager creates a lease manager backed by client.
func NewRecordingLeaseManager(client *clientv3.Client, cfg LeaseManagerConfig) *RecordingLeaseManager {
	ttl := cfg.SessionTTLSeconds
	if ttl <= 0 {
		ttl = 10
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RecordingLeaseManager{
		client:      client,
		jobID:       cfg.JobID,
		candidateID: cfg.CandidateID,
		ttl:         ttl,
		logger:      logger,
	}
}

// Campaign blocks until this instance becomes the active recorder for
// the job, or ctx is cancelled. Only one candidate's Campaign call
// returns per job at a time; the rest block until the leader resigns
// or its session expires.
func (m *RecordingLeaseManager) Campaign(ctx context.Context) error {
	if m.closed.Load() {
		return fmt.Errorf("recording lease manager is closed")
	}
	session, err := concurrency.NewSession(m.client, concurrency.WithTTL(m.ttl))
	if err != nil {
		return fmt.Errorf("create etcd session: %w", err)
	}
	election := concurrency.NewElection(session, recordingLeasePrefix+"/"+m.jobID)

	if err := election.Campaign(ctx, m.candidateID); err != nil {
		session.Close()
		return fmt.Errorf("campaign for %s: %w", m.jobID, err)
	}

	m.mu.Lock()
	m.session = session
	m.election = election
	m.mu.Unlock()
	m.isLeader.Store(true)
	go m.monitorSession(session)

	m.logger.Info("recording lease acquired", "job", m.jobID, "candidate", m.candidateID)
	return nil
}

// IsLeader reports whether this instance currently holds the lease.
func (m *RecordingLeaseManager) IsLeader() bool {
	return m.isLeader.Load()
}

// Resign gives up leadership voluntarily, letting another standby
// campaign successfully, without closing the underlying session.
func (m *RecordingLeaseManager) Resign(ctx context.Context) error {
	m.mu.Lock()
	election := m.election
	m.mu.Unlock()
	if election == nil {
		return nil
	}
	m.isLeader.Store(false)
	return election.Resign(ctx)
}

// Close resigns (best-effort) and releases the etcd session.
func (m *RecordingLeaseManager) Close() error {
	m.closed.Store(true)
	m.isLeader.Store(false)
	m.mu.Lock()
	session := m.session
	m.session = nil
	m.mu.Unlock()
	if session == nil {
		return nil
	}
	return session.Close()
}

func (m *RecordingLeaseManager) monitorSession(session *concurrency.Session) {
	<-session.Done()
	m.mu.Lock()
	current := m.session == session
	if current {
		m.session = nil
	}
	m.mu.Unlock()
	if current {
		m.isLeader.Store(false)
		m.logger.Warn("recording lease session expired", "job", m.jobID, "candidate", m.candidateID)
	}
}
