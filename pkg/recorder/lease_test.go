package recorder

import (
	"context"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

func newEtcdClientForTest(t *testing.T, endpoints []string) *clientv3.Client {
	t.Helper()
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 3 * time.Second,
	})
	if err != nil {
		t.Fatalf("create etcd client: %v", err)
	}
	t.Cleanup(func() { cli.Close() })
	return cli
}

// TestLeaseFailoverToStandby verifies that once the active recorder
// resigns, a blocked standby's Campaign call unblocks and it becomes
// the new leader.
func TestLeaseFailoverToStandby(t *testing.T) {
	const ttl = 5
	endpoints := startEmbeddedEtcdForLease(t, ttl)

	active := NewRecordingLeaseManager(newEtcdClientForTest(t, endpoints), LeaseManagerConfig{
		JobID: "job-1", CandidateID: "active", SessionTTLSeconds: ttl,
	})
	standby := NewRecordingLeaseManager(newEtcdClientForTest(t, endpoints), LeaseManagerConfig{
		JobID: "job-1", CandidateID: "standby", SessionTTLSeconds: ttl,
	})

	ctx := context.Background()
	if err := active.Campaign(ctx); err != nil {
		t.Fatalf("active campaign: %v", err)
	}
	if !active.IsLeader() {
		t.Fatal("active should be leader")
	}

	standbyDone := make(chan error, 1)
	go func() { standbyDone <- standby.Campaign(ctx) }()

	select {
	case <-standbyDone:
		t.Fatal("standby campaign should block while active holds the lease")
	case <-time.After(200 * time.Millisecond):
	}

	if err := active.Resign(ctx); err != nil {
		t.Fatalf("active resign: %v", err)
	}

	select {
	case err := <-standbyDone:
		if err != nil {
			t.Fatalf("standby campaign: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("standby never became leader after active resigned")
	}
	if !standby.IsLeader() {
		t.Fatal("standby should be leader after failover")
	}
	if active.IsLeader() {
		t.Fatal("active should no longer be leader")
	}
}

// TestLeaseTwoJobsIndependent verifies that separate JobIDs don't
// contend with each other.
func TestLeaseTwoJobsIndependent(t *testing.T) {
	const ttl = 5
	endpoints := startEmbeddedEtcdForLease(t, ttl)

	a := NewRecordingLeaseManager(newEtcdClientForTest(t, endpoints), LeaseManagerConfig{
		JobID: "job-a", CandidateID: "c1", SessionTTLSeconds: ttl,
	})
	b := NewRecordingLeaseManager(newEtcdClientForTest(t, endpoints), LeaseManagerConfig{
		JobID: "job-b", CandidateID: "c1", SessionTTLSeconds: ttl,
	})

	ctx := context.Background()
	if err := a.Campaign(ctx); err != nil {
		t.Fatalf("job-a campaign: %v", err)
	}
	if err := b.Campaign(ctx); err != nil {
		t.Fatalf("job-b campaign: %v", err)
	}
	if !a.IsLeader() || !b.IsLeader() {
		t.Fatal("both jobs should have independent leaders")
	}
}
