package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bdeggleston/slogdb/internal/model"
	"github.com/bdeggleston/slogdb/internal/server"
	"github.com/bdeggleston/slogdb/internal/stats"
)

// fakeForwarder commits every submitted transaction immediately and
// delivers the result back through the Server, the way
// internal/server's own tests stand in for the real pipeline.
type fakeForwarder struct {
	srv *server.Server
}

func (f *fakeForwarder) Process(txn *model.Transaction) {
	txn.Commit()
	f.srv.HandleResult(txn)
}

func startTestServer(t *testing.T, addr string) *server.Server {
	t.Helper()
	fwd := &fakeForwarder{}
	srv := server.New(1, fwd, stats.NewCounters(nil), map[string]server.ComponentStats{
		"worker": fakeComponentStats{map[string]int64{"worker.committed": 5}},
	})
	fwd.srv = srv

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, addr) }()
	time.Sleep(50 * time.Millisecond) // let the ROUTER socket finish binding
	return srv
}

type fakeComponentStats struct{ snap map[string]int64 }

func (f fakeComponentStats) Stats() map[string]int64 { return f.snap }

func TestClientSubmitTxnRoundTrip(t *testing.T) {
	const addr = "127.0.0.1:27611"
	startTestServer(t, addr)

	c, err := Dial(addr)
	require.NoError(t, err)
	defer c.Close()
	c.SetTimeout(2 * time.Second)

	result, err := c.SubmitTxn(&server.TxnRequest{
		Id:   1,
		Keys: []server.KeyModeJSON{{Key: "k1", Mode: "WRITE"}},
		Code: []server.CallJSON{{Proc: 1, Args: []string{"v"}}},
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1), result.Id)
	require.Equal(t, "COMMITTED", result.Status)
}

func TestClientStatsRoundTrip(t *testing.T) {
	const addr = "127.0.0.1:27612"
	startTestServer(t, addr)

	c, err := Dial(addr)
	require.NoError(t, err)
	defer c.Close()
	c.SetTimeout(2 * time.Second)

	snap, err := c.Stats("worker", 0)
	require.NoError(t, err)
	require.JSONEq(t, `{"worker.committed":5}`, snap)

	_, err = c.Stats("nonexistent", 0)
	require.Error(t, err)
}

func TestClientMetricsRoundTrip(t *testing.T) {
	const addr = "127.0.0.1:27613"
	startTestServer(t, addr)

	c, err := Dial(addr)
	require.NoError(t, err)
	defer c.Close()
	c.SetTimeout(2 * time.Second)

	require.NoError(t, c.Metrics(""))
}
