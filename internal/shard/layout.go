package shard

import "fmt"

// Layout partitions the dense id space [0,total) into one contiguous range per
// rank. Every rank owns quotient ids except the last one, which also absorbs
// the remainder. All ranks derive the same Layout from (total, peers) without
// communicating.
type Layout struct {
	total    int64
	peers    int
	quotient int64
}

// NewLayout builds the layout for total ids spread over peers ranks.
func NewLayout(total int64, peers int) Layout {
	if peers <= 0 {
		peers = 1
	}
	if total < 0 {
		total = 0
	}
	return Layout{
		total:    total,
		peers:    peers,
		quotient: total / int64(peers),
	}
}

func (l Layout) Total() int64 { return l.total }
func (l Layout) Peers() int   { return l.peers }

// Quotient is the nominal shard size shared by every rank but the last.
func (l Layout) Quotient() int64 { return l.quotient }

// Broker returns the rank holding id. With fewer ids than ranks the quotient
// is zero and everything routes to the last rank, matching its shard range.
func (l Layout) Broker(id int64) int {
	last := l.peers - 1
	if l.quotient == 0 {
		return last
	}
	b := id / l.quotient
	if b > int64(last) {
		return last
	}
	if b < 0 {
		return 0
	}
	return int(b)
}

// Offset is the first id owned by rank.
func (l Layout) Offset(rank int) int64 {
	return int64(rank) * l.quotient
}

// End is one past the last id owned by rank.
func (l Layout) End(rank int) int64 {
	if rank == l.peers-1 {
		return l.total
	}
	return int64(rank+1) * l.quotient
}

// Size is the number of ids owned by rank.
func (l Layout) Size(rank int) int64 {
	return l.End(rank) - l.Offset(rank)
}

// Contains reports whether id falls inside rank's range.
func (l Layout) Contains(rank int, id int64) bool {
	return id >= l.Offset(rank) && id < l.End(rank)
}

func (l Layout) String() string {
	return fmt.Sprintf("layout{total=%d peers=%d quotient=%d}", l.total, l.peers, l.quotient)
}
