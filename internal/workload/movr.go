package workload

import (
	"fmt"
)

// MovR procedures mirror the argument shapes of
// original_source/execution/movr/*.cpp, widened per spec §9's Open
// Question resolution (uint64 ids, fixed-width strings as plain Go
// strings since Go has no C++-style fixed-length scalar type to match
// byte-for-byte, argument counts following the constructor signatures
// below). Row state is stored as opaque blobs keyed by the txn's declared
// keys; the procedures only need to agree on a wire-compatible encoding
// with each other, which CSV-style argument joining provides without
// pulling in a schema/serialization library for what is explicitly an
// out-of-scope execution body (spec §1).

// execMovrUserSignup: args = [user_id, city, name]. Writes the first
// declared key (the user row).
func execMovrUserSignup(ctx *ExecCtx) error {
	if len(ctx.Call.Args) < 3 {
		return fmt.Errorf("movr.user_signup: expected 3 args, got %d", len(ctx.Call.Args))
	}
	if len(ctx.Txn.Keys) == 0 {
		return fmt.Errorf("movr.user_signup: transaction declares no keys")
	}
	row := joinRow(ctx.Call.Args)
	ctx.Writes[ctx.Txn.Keys[0].Key.String()] = []byte(row)
	return nil
}

// execMovrAddVehicle: args = [vehicle_id, city, type, owner_id,
// owner_city, creation_time, status, current_location]. Read() in the
// original checks the owner exists; Write() inserts the vehicle row
// (original_source/execution/movr/add_vehicle.cpp).
func execMovrAddVehicle(ctx *ExecCtx) error {
	if len(ctx.Call.Args) < 8 {
		return fmt.Errorf("movr.add_vehicle: expected 8 args, got %d", len(ctx.Call.Args))
	}
	ownerKey := ctx.Call.Args[3] + "@" + ctx.Call.Args[4]
	if _, ok := ctx.Reads[ownerKey]; !ok {
		return fmt.Errorf("movr.add_vehicle: vehicle owner does not exist")
	}
	if len(ctx.Txn.Keys) == 0 {
		return fmt.Errorf("movr.add_vehicle: transaction declares no keys")
	}
	ctx.Writes[ctx.Txn.Keys[0].Key.String()] = []byte(joinRow(ctx.Call.Args))
	return nil
}

// execMovrStartRide: args = [user_id, user_city, promo_code, vehicle_id,
// vehicle_city, ride_id, city, start_address, start_time]. Marks the
// vehicle in_use and inserts the ride row
// (original_source/execution/movr/start_ride.cpp).
func execMovrStartRide(ctx *ExecCtx) error {
	if len(ctx.Call.Args) < 9 {
		return fmt.Errorf("movr.start_ride: expected 9 args, got %d", len(ctx.Call.Args))
	}
	vehicleKey := ctx.Call.Args[3] + "@" + ctx.Call.Args[4]
	ctx.Writes[vehicleKey] = []byte("status=in_use")
	rideKey := ctx.Call.Args[5] + "@" + ctx.Call.Args[6]
	ctx.Writes[rideKey] = []byte(joinRow(ctx.Call.Args))
	return nil
}

// execMovrEndRide: args = [ride_id, city, vehicle_id, vehicle_city,
// end_address, end_time, revenue]. Marks the vehicle available again
// (original_source/execution/movr/end_ride.cpp).
func execMovrEndRide(ctx *ExecCtx) error {
	if len(ctx.Call.Args) < 7 {
		return fmt.Errorf("movr.end_ride: expected 7 args, got %d", len(ctx.Call.Args))
	}
	vehicleKey := ctx.Call.Args[2] + "@" + ctx.Call.Args[3]
	ctx.Writes[vehicleKey] = []byte("status=available")
	rideKey := ctx.Call.Args[0] + "@" + ctx.Call.Args[1]
	ctx.Writes[rideKey] = []byte(joinRow(ctx.Call.Args))
	return nil
}

// execMovrUpdateLocation: args = [vehicle_id, city, location].
func execMovrUpdateLocation(ctx *ExecCtx) error {
	if len(ctx.Call.Args) < 3 {
		return fmt.Errorf("movr.update_location: expected 3 args, got %d", len(ctx.Call.Args))
	}
	vehicleKey := ctx.Call.Args[0] + "@" + ctx.Call.Args[1]
	ctx.Writes[vehicleKey] = []byte("location=" + ctx.Call.Args[2])
	return nil
}

// execMovrViewVehicles is read-only: it produces no writes and only
// checks that at least one argument was supplied; it does not inspect
// the reads.
func execMovrViewVehicles(ctx *ExecCtx) error {
	if len(ctx.Call.Args) < 1 {
		return fmt.Errorf("movr.view_vehicles: expected at least 1 arg, got %d", len(ctx.Call.Args))
	}
	return nil
}

func joinRow(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += "|"
		}
		out += a
	}
	return out
}
