package model

// BatchId identifies one sealed batch of single-home transactions within
// a region: (region, local_seq). local_seq is strictly increasing per
// region (spec §3).
type BatchId struct {
	Region   int
	LocalSeq uint64
}

// Batch is an ordered, immutable-after-sealing list of single-home
// transactions produced by one region's Sequencer in one tick.
type Batch struct {
	Id   BatchId
	Txns []*Transaction
}

// Less implements the deterministic comparator over batch positions used
// by the Multi-Home Orderer: lexicographic (region, local_seq) (spec §4.4).
func (b BatchId) Less(o BatchId) bool {
	if b.Region != o.Region {
		return b.Region < o.Region
	}
	return b.LocalSeq < o.LocalSeq
}
