/*
Package server implements the Server component (spec §6): the
client-facing DEALER/ROUTER endpoint that accepts `Request.txn`,
`Request.stats`, and `Request.metrics` calls, injects transactions into
the Forwarder, and replies once the pipeline returns a final result.
*/
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	logging "github.com/op/go-logging"
	zmq "github.com/pebbe/zmq4"

	"github.com/bdeggleston/slogdb/internal/model"
	"github.com/bdeggleston/slogdb/internal/stats"
	"github.com/bdeggleston/slogdb/internal/workload"
)

var logger = logging.MustGetLogger("server")

// Forwarder is the one entry point the Server needs into the pipeline.
type Forwarder interface {
	Process(txn *model.Transaction)
}

// ComponentStats is satisfied by every pipeline component's Stats()
// accessor (Forwarder, Sequencer, Scheduler, Orderer, Worker).
type ComponentStats interface {
	Stats() map[string]int64
}

// Request is the client protocol's request envelope (spec §6): exactly
// one of Txn/StatsModule/MetricsPrefix is populated, selected by Kind.
type Request struct {
	Kind          string            `json:"kind"`
	Txn           *TxnRequest       `json:"txn,omitempty"`
	StatsModule   string            `json:"stats_module,omitempty"`
	StatsLevel    int               `json:"stats_level,omitempty"`
	MetricsPrefix string            `json:"metrics_prefix,omitempty"`
}

// TxnRequest is the JSON shape of one client-submitted transaction.
type TxnRequest struct {
	Id        uint64        `json:"id"`
	Keys      []KeyModeJSON `json:"keys"`
	Code      []CallJSON    `json:"code"`
	NewMaster *int          `json:"new_master,omitempty"`
	// ClientRequestId is an opaque UUID the caller stamps on a logical
	// submission attempt (distinct from Id, which the Server or the
	// Paxos log uses for ordering) so repeated/retried sends of the same
	// logical request can be correlated in logs.
	ClientRequestId string `json:"client_request_id,omitempty"`
}

type KeyModeJSON struct {
	Key  string `json:"key"`
	Mode string `json:"mode"` // "READ" or "WRITE"
}

type CallJSON struct {
	Proc model.ProcID `json:"proc"`
	Args []string     `json:"args"`
}

// Response is the client protocol's reply envelope.
type Response struct {
	Txn   *TxnResultJSON `json:"txn,omitempty"`
	JSON  string         `json:"json,omitempty"`
	Error string         `json:"error,omitempty"`
}

type TxnResultJSON struct {
	Id          uint64   `json:"id"`
	Status      string   `json:"status"`
	AbortReason string   `json:"abort_reason,omitempty"`
	Trace       []string `json:"trace"`
}

func (t *TxnRequest) toTransaction(nextID func() uint64) (*model.Transaction, error) {
	keys := make([]model.KeyMode, len(t.Keys))
	for i, km := range t.Keys {
		var mode model.Mode
		switch km.Mode {
		case "READ", "":
			mode = model.Read
		case "WRITE":
			mode = model.Write
		default:
			return nil, fmt.Errorf("server: unknown key mode %q", km.Mode)
		}
		keys[i] = model.KeyMode{Key: model.NewKey(km.Key), Mode: mode}
	}
	code := make([]model.ProcedureCall, len(t.Code))
	for i, c := range t.Code {
		code[i] = model.ProcedureCall{Proc: c.Proc, Args: c.Args}
	}
	id := t.Id
	if id == 0 {
		id = nextID()
	}
	txn := model.NewTransaction(id, keys, code)
	if t.NewMaster != nil {
		txn.NewMaster = *t.NewMaster
	}
	return txn, nil
}

func toTxnResultJSON(txn *model.Transaction) *TxnResultJSON {
	trace := make([]string, len(txn.Trace))
	for i, e := range txn.Trace {
		trace[i] = e.Name
	}
	return &TxnResultJSON{
		Id:          txn.Id,
		Status:      txn.Status.String(),
		AbortReason: string(txn.AbortReason),
		Trace:       trace,
	}
}

// Server is one machine's client-facing endpoint. cmd/slogd runs one on
// every machine; it owns no lock-table or storage state of its own.
type Server struct {
	self      model.MachineId
	forwarder Forwarder
	counters  *stats.Counters

	components map[string]ComponentStats

	mu      sync.Mutex
	pending map[uint64]chan *model.Transaction
	seq     uint64
}

func New(self model.MachineId, forwarder Forwarder, counters *stats.Counters, components map[string]ComponentStats) *Server {
	return &Server{
		self:       self,
		forwarder:  forwarder,
		counters:   counters,
		components: components,
		pending:    make(map[uint64]chan *model.Transaction),
	}
}

func (s *Server) nextID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// HandleResult delivers a completed transaction's result to whichever
// pending client request is waiting on it. It is wired to the bus's
// ChannelServer subscription (the same channel the Scheduler's `finish`
// sends TxnResult envelopes to, spec §4.5).
func (s *Server) HandleResult(txn *model.Transaction) {
	s.mu.Lock()
	ch, ok := s.pending[txn.Id]
	delete(s.pending, txn.Id)
	s.mu.Unlock()
	if !ok {
		return
	}
	ch <- txn
}

// SubmitAndWait hands txn to the Forwarder and blocks until its result
// arrives on ChannelServer or ctx is done.
func (s *Server) SubmitAndWait(ctx context.Context, txn *model.Transaction) (*model.Transaction, error) {
	ch := make(chan *model.Transaction, 1)
	s.mu.Lock()
	s.pending[txn.Id] = ch
	s.mu.Unlock()

	s.forwarder.Process(txn)

	select {
	case result := <-ch:
		return result, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, txn.Id)
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Serve binds a ROUTER socket at addr and answers client requests until
// ctx is cancelled, following the DEALER/ROUTER framing spec §6
// describes: [identity][empty frame][payload], payload here being one
// JSON Request/Response.
func (s *Server) Serve(ctx context.Context, addr string) error {
	zctx, err := zmq.NewContext()
	if err != nil {
		return fmt.Errorf("server: new zmq context: %w", err)
	}
	sock, err := zctx.NewSocket(zmq.ROUTER)
	if err != nil {
		return fmt.Errorf("server: new ROUTER socket: %w", err)
	}
	if err := sock.Bind("tcp://" + addr); err != nil {
		return fmt.Errorf("server: bind %v: %w", addr, err)
	}
	defer sock.Close()

	go func() {
		<-ctx.Done()
		sock.SetLinger(0)
		sock.Close()
	}()

	for {
		frames, err := sock.RecvMessageBytes(0)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warningf("server: recv failed: %v", err)
			continue
		}
		if len(frames) != 3 {
			logger.Warningf("server: malformed request (%d frames)", len(frames))
			continue
		}
		identity, payload := frames[0], frames[2]
		go s.handleFrame(ctx, sock, identity, payload)
	}
}

func (s *Server) handleFrame(ctx context.Context, sock *zmq.Socket, identity, payload []byte) {
	resp := s.handleRequest(ctx, payload)
	body, err := json.Marshal(resp)
	if err != nil {
		logger.Warningf("server: marshaling response: %v", err)
		return
	}
	if _, err := sock.SendMessage(identity, []byte{}, body); err != nil {
		logger.Warningf("server: sending response: %v", err)
	}
}

func (s *Server) handleRequest(ctx context.Context, payload []byte) *Response {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		s.counters.Incr("server.malformed_request", 1)
		return &Response{Error: fmt.Sprintf("malformed request: %v", err)}
	}

	switch req.Kind {
	case "txn":
		return s.handleTxn(ctx, req.Txn)
	case "stats":
		return s.handleStats(req.StatsModule, req.StatsLevel)
	case "metrics":
		return s.handleMetrics(req.MetricsPrefix)
	default:
		s.counters.Incr("server.malformed_request", 1)
		return &Response{Error: fmt.Sprintf("unknown request kind %q", req.Kind)}
	}
}

func (s *Server) handleTxn(ctx context.Context, tr *TxnRequest) *Response {
	if tr == nil {
		return &Response{Error: "missing txn"}
	}
	txn, err := tr.toTransaction(s.nextID)
	if err != nil {
		return &Response{Error: err.Error()}
	}
	if err := workload.Default().Validate(txn.Code); err != nil {
		txn.Abort(model.AbortUnknownProcedure)
		return &Response{Txn: toTxnResultJSON(txn)}
	}
	if tr.ClientRequestId != "" {
		logger.Debugf("server: txn %d submitted as client request %s", txn.Id, tr.ClientRequestId)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	result, err := s.SubmitAndWait(waitCtx, txn)
	if err != nil {
		s.counters.Incr("server.txn_timeout", 1)
		return &Response{Error: fmt.Sprintf("timed out waiting for txn %d", txn.Id)}
	}
	s.counters.Incr("server.txn_completed", 1)
	return &Response{Txn: toTxnResultJSON(result)}
}

func (s *Server) handleStats(module string, level int) *Response {
	c, ok := s.components[module]
	if !ok {
		return &Response{Error: fmt.Sprintf("unknown stats module %q", module)}
	}
	snap := c.Stats()
	body, err := json.Marshal(snap)
	if err != nil {
		return &Response{Error: err.Error()}
	}
	return &Response{JSON: string(body)}
}

// handleMetrics resets, under prefix, the counters of every registered
// component that has a Reset(prefix) method, plus the Server's own
// counters, and replies with an empty body. Components without such a
// method are left untouched; none of the pipeline components cmd/slogd
// registers (Forwarder, Sequencer, Orderer, Scheduler, Worker) has one.
func (s *Server) handleMetrics(prefix string) *Response {
	for _, c := range s.components {
		if reset, ok := c.(interface{ Reset(string) }); ok {
			reset.Reset(prefix)
		}
	}
	s.counters.Reset(prefix)
	return &Response{}
}
