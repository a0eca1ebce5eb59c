// Copyright 2026 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package recorder

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.etcd.io/etcd/server/v3/embed"
)

// startEmbeddedEtcdForLease launches an embedded etcd server sized for
// a RecordingLeaseManager with the given SessionTTLSeconds: its
// heartbeat and election ticks are derived from the TTL instead of
// etcd's defaults, so a lease_test.go campaign/resign/failover test
// exercises roughly the same lease-vs-heartbeat ratio a real
// deployment would see, not an arbitrary fixed one. Returns the
// client endpoints (e.g. ["http://127.0.0.1:PORT"]) and registers
// cleanup via t.Cleanup.
func startEmbeddedEtcdForLease(t *testing.T, sessionTTLSeconds int) []string {
	t.Helper()
	if sessionTTLSeconds <= 0 {
		sessionTTLSeconds = 10
	}

	cfg := embed.NewConfig()
	cfg.Dir = t.TempDir()
	cfg.Logger = "zap"
	cfg.LogLevel = "error"
	cfg.LogOutputs = []string{etcdLeaseTestLogPath(t)}

	// etcd requires 5 <= electionMs/tickMs <= 50; derive both from the
	// lease TTL so a short SessionTTLSeconds in a test still produces a
	// valid, proportionally scaled configuration.
	heartbeatMs := int64(sessionTTLSeconds) * 100
	if heartbeatMs < 100 {
		heartbeatMs = 100
	}
	cfg.TickMs = uint(heartbeatMs)
	cfg.ElectionMs = uint(heartbeatMs * 10)

	clientPort := freeLocalPortForLease(t)
	peerPort := freeLocalPortForLease(t)
	cfg.ListenClientUrls = []url.URL{mustParseURLForLease(t, fmt.Sprintf("http://127.0.0.1:%d", clientPort))}
	cfg.AdvertiseClientUrls = cfg.ListenClientUrls
	cfg.ListenPeerUrls = []url.URL{mustParseURLForLease(t, fmt.Sprintf("http://127.0.0.1:%d", peerPort))}
	cfg.AdvertisePeerUrls = cfg.ListenPeerUrls
	cfg.InitialCluster = cfg.InitialClusterFromName(cfg.Name)

	e, err := embed.StartEtcd(cfg)
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping: embedded etcd not permitted: %v", err)
		}
		t.Fatalf("start embedded etcd: %v", err)
	}

	select {
	case <-e.Server.ReadyNotify():
	case <-time.After(10 * time.Second):
		e.Server.Stop()
		t.Fatalf("embedded etcd took too long to start")
	}

	t.Cleanup(func() {
		e.Close()
	})

	clientURL := e.Clients[0].Addr().String()
	return []string{fmt.Sprintf("http://%s", clientURL)}
}

func freeLocalPortForLease(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("allocate free port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func mustParseURLForLease(t *testing.T, raw string) url.URL {
	t.Helper()
	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url %s: %v", raw, err)
	}
	return *parsed
}

func etcdLeaseTestLogPath(t *testing.T) string {
	t.Helper()
	dir := os.TempDir()
	return filepath.Join(dir, fmt.Sprintf("bagtransport-lease-etcd-%d.log", time.Now().UnixNano()))
}
