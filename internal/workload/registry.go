/*
Package workload replaces the source's dynamic string-name dispatch and
deep class hierarchy (abstract workload base, TPCC/MovR subclasses,
per-procedure MovrTransaction subclasses) with a flat registry keyed by a
small ProcID enum and a one-method Executor interface, per spec §9 Design
Notes. Procedure bodies are opaque per spec §1 Non-goals ("the
transaction execution bodies... treated as opaque Execute(txn, storage) ->
status"); what's specified here is the dispatch surface and argument
shapes, supplemented from original_source/execution/movr/*.cpp and
workload/tpcc.cpp (spec §9's widest-schema recommendation: uint64 ids,
fixed-width strings, argument counts per the Scheduler's dispatch arity).
*/
package workload

import (
	"fmt"

	"github.com/bdeggleston/slogdb/internal/model"
)

const (
	ProcEcho model.ProcID = iota

	ProcTpccNewOrder
	ProcTpccPayment

	ProcMovrUserSignup
	ProcMovrAddVehicle
	ProcMovrStartRide
	ProcMovrEndRide
	ProcMovrUpdateLocation
	ProcMovrViewVehicles

	ProcRemaster
)

// ExecCtx is the narrow boundary the Worker hands to a registered
// Executor: the call's arguments, read values already gathered for this
// txn's keys (local and remote), and the writes map the procedure
// populates (spec §4.6).
type ExecCtx struct {
	Txn    *model.Transaction
	Call   model.ProcedureCall
	Reads  map[string][]byte
	Writes map[string][]byte
}

// Executor is the single-method trait every procedure implements (spec
// §9 Design Notes: "a trait/interface with one method... No runtime
// hierarchy").
type Executor interface {
	Execute(ctx *ExecCtx) error
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx *ExecCtx) error

func (f ExecutorFunc) Execute(ctx *ExecCtx) error { return f(ctx) }

// Registry maps ProcID to its Executor. The Server validates a
// Transaction's procedure ids against the Registry at admission and
// rejects unknown ones (spec §7 malformed-input handling).
type Registry struct {
	execs map[model.ProcID]Executor
}

func NewRegistry() *Registry {
	return &Registry{execs: make(map[model.ProcID]Executor)}
}

func (r *Registry) Register(id model.ProcID, e Executor) {
	r.execs[id] = e
}

func (r *Registry) Lookup(id model.ProcID) (Executor, bool) {
	e, ok := r.execs[id]
	return e, ok
}

// Validate reports an error if any call in code names an unregistered
// procedure (spec §7 "Malformed input... unknown procedure name").
func (r *Registry) Validate(code []model.ProcedureCall) error {
	for _, call := range code {
		if _, ok := r.execs[call.Proc]; !ok {
			return fmt.Errorf("workload: unknown procedure id %d", call.Proc)
		}
	}
	return nil
}

// Default builds the registry used by a production deployment: echo (for
// tests and scenario 1), the TPCC and MovR procedure sets, and the
// remaster procedure.
func Default() *Registry {
	r := NewRegistry()
	r.Register(ProcEcho, ExecutorFunc(execEcho))
	r.Register(ProcTpccNewOrder, ExecutorFunc(execTpccNewOrder))
	r.Register(ProcTpccPayment, ExecutorFunc(execTpccPayment))
	r.Register(ProcMovrUserSignup, ExecutorFunc(execMovrUserSignup))
	r.Register(ProcMovrAddVehicle, ExecutorFunc(execMovrAddVehicle))
	r.Register(ProcMovrStartRide, ExecutorFunc(execMovrStartRide))
	r.Register(ProcMovrEndRide, ExecutorFunc(execMovrEndRide))
	r.Register(ProcMovrUpdateLocation, ExecutorFunc(execMovrUpdateLocation))
	r.Register(ProcMovrViewVehicles, ExecutorFunc(execMovrViewVehicles))
	r.Register(ProcRemaster, ExecutorFunc(execRemaster))
	return r
}
