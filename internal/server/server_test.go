package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdeggleston/slogdb/internal/model"
	"github.com/bdeggleston/slogdb/internal/stats"
)

type fakeForwarder struct {
	srv *Server
}

// Process simulates the pipeline immediately committing txn and
// delivering the result back through ChannelServer, the way the real
// Forwarder->...->Scheduler chain eventually would.
func (f *fakeForwarder) Process(txn *model.Transaction) {
	txn.Commit()
	f.srv.HandleResult(txn)
}

type fakeStats struct {
	snap map[string]int64
}

func (f *fakeStats) Stats() map[string]int64 { return f.snap }

func newTestServer(t *testing.T) *Server {
	s := New(1, nil, stats.NewCounters(nil), map[string]ComponentStats{
		"worker": &fakeStats{snap: map[string]int64{"worker.committed": 3}},
	})
	s.forwarder = &fakeForwarder{srv: s}
	return s
}

func TestServerHandleTxnReturnsCommittedResult(t *testing.T) {
	s := newTestServer(t)
	resp := s.handleRequest(context.Background(), []byte(`{
		"kind": "txn",
		"txn": {"id": 7, "keys": [{"key": "k1", "mode": "WRITE"}], "code": [{"proc": 1, "args": ["v"]}]}
	}`))
	require.NotNil(t, resp.Txn)
	assert.Equal(t, uint64(7), resp.Txn.Id)
	assert.Equal(t, "COMMITTED", resp.Txn.Status)
}

func TestServerAssignsIdWhenMissing(t *testing.T) {
	s := newTestServer(t)
	resp := s.handleRequest(context.Background(), []byte(`{
		"kind": "txn",
		"txn": {"keys": [{"key": "k1", "mode": "READ"}]}
	}`))
	require.NotNil(t, resp.Txn)
	assert.NotZero(t, resp.Txn.Id)
}

func TestServerRejectsUnknownMode(t *testing.T) {
	s := newTestServer(t)
	resp := s.handleRequest(context.Background(), []byte(`{
		"kind": "txn",
		"txn": {"id": 1, "keys": [{"key": "k1", "mode": "BOGUS"}]}
	}`))
	assert.Nil(t, resp.Txn)
	assert.Contains(t, resp.Error, "unknown key mode")
}

func TestServerStatsReturnsModuleSnapshot(t *testing.T) {
	s := newTestServer(t)
	resp := s.handleRequest(context.Background(), []byte(`{"kind": "stats", "stats_module": "worker"}`))
	assert.Equal(t, `{"worker.committed":3}`, resp.JSON)
}

func TestServerStatsUnknownModuleErrors(t *testing.T) {
	s := newTestServer(t)
	resp := s.handleRequest(context.Background(), []byte(`{"kind": "stats", "stats_module": "nope"}`))
	assert.Contains(t, resp.Error, "unknown stats module")
}

func TestServerMetricsResetsCounters(t *testing.T) {
	s := newTestServer(t)
	s.counters.Incr("server.txn_completed", 1)
	resp := s.handleRequest(context.Background(), []byte(`{"kind": "metrics"}`))
	assert.Empty(t, resp.Error)
	assert.Empty(t, s.counters.Snapshot())
}

func TestServerMalformedRequest(t *testing.T) {
	s := newTestServer(t)
	resp := s.handleRequest(context.Background(), []byte(`not json`))
	assert.Contains(t, resp.Error, "malformed request")
}

func TestServerTxnTimesOutWithoutResult(t *testing.T) {
	s := New(1, nil, stats.NewCounters(nil), nil)
	s.forwarder = forwarderFunc(func(*model.Transaction) {})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.SubmitAndWait(ctx, model.NewTransaction(9, nil, nil))
	assert.Error(t, err)
}

type forwarderFunc func(*model.Transaction)

func (f forwarderFunc) Process(txn *model.Transaction) { f(txn) }
