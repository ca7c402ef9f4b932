package workload

import "fmt"

// TPCC procedures are opaque per spec §1 Non-goals; only their dispatch
// arity and key layout are specified (spec §9's widest-schema guidance),
// supplemented from original_source/workload/tpcc.cpp's NewOrder/Payment
// shapes.

// execTpccNewOrder: args = [warehouse_id, district_id, customer_id,
// item_id..., quantity...]. Writes an order row under the transaction's
// first declared key.
func execTpccNewOrder(ctx *ExecCtx) error {
	if len(ctx.Call.Args) < 3 {
		return fmt.Errorf("tpcc.new_order: expected at least 3 args, got %d", len(ctx.Call.Args))
	}
	if len(ctx.Txn.Keys) == 0 {
		return fmt.Errorf("tpcc.new_order: transaction declares no keys")
	}
	ctx.Writes[ctx.Txn.Keys[0].Key.String()] = []byte(joinRow(ctx.Call.Args))
	return nil
}

// execTpccPayment: args = [warehouse_id, district_id, customer_id,
// amount]. Updates the customer's balance key and the warehouse's
// year-to-date key.
func execTpccPayment(ctx *ExecCtx) error {
	if len(ctx.Call.Args) < 4 {
		return fmt.Errorf("tpcc.payment: expected 4 args, got %d", len(ctx.Call.Args))
	}
	custKey := "customer:" + ctx.Call.Args[0] + ":" + ctx.Call.Args[1] + ":" + ctx.Call.Args[2]
	ctx.Writes[custKey] = []byte("balance_delta=" + ctx.Call.Args[3])
	whKey := "warehouse:" + ctx.Call.Args[0]
	ctx.Writes[whKey] = []byte("ytd_delta=" + ctx.Call.Args[3])
	return nil
}
