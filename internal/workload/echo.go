package workload

// execEcho simply writes its arguments back under the transaction's
// first declared key, used by tests and spec §8 scenario 1's literal
// `code=[["echo","hi"]]` transaction.
func execEcho(ctx *ExecCtx) error {
	if len(ctx.Txn.Keys) == 0 {
		return nil
	}
	ctx.Writes[ctx.Txn.Keys[0].Key.String()] = []byte(joinRow(ctx.Call.Args))
	return nil
}
