package workload

import "fmt"

// execRemaster is the supplemented remastering workload procedure
// (original_source/workload/remastering.h's RemasteringWorkload —
// the distillation in spec.md dropped the dedicated procedure but kept
// the remaster mechanics in the Scheduler, spec §4.5). It does not itself
// mutate metadata — that happens in the Scheduler via the remaster Paxos
// group once this procedure's txn commits — it only validates that the
// transaction actually named a target region.
func execRemaster(ctx *ExecCtx) error {
	if ctx.Txn.NewMaster < 0 {
		return fmt.Errorf("remaster: transaction does not set new_master")
	}
	return nil
}
