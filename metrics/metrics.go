// Copyright 2015 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

// Package metrics wires the node's wire-traffic, timeout, and store-size
// counters to github.com/rcrowley/go-metrics, adapted from the teacher's
// p2p/metrics.go (which metered inbound/outbound TCP peer-connection
// bytes) to the DHT engine's own quantities: KRPC datagrams in/out,
// query timeouts, and peer/put store occupancy.
package metrics

import "github.com/rcrowley/go-metrics"

var (
	// DHTIn / DHTOut count inbound/outbound KRPC datagrams.
	DHTIn  = metrics.NewRegisteredMeter("dht/wire/in", metrics.DefaultRegistry)
	DHTOut = metrics.NewRegisteredMeter("dht/wire/out", metrics.DefaultRegistry)

	// DHTInBytes / DHTOutBytes count the raw bytes of those datagrams.
	DHTInBytes  = metrics.NewRegisteredMeter("dht/wire/in/bytes", metrics.DefaultRegistry)
	DHTOutBytes = metrics.NewRegisteredMeter("dht/wire/out/bytes", metrics.DefaultRegistry)

	// DHTDropped counts datagrams discarded as malformed (spec.md §4.2/§7
	// ProtocolError, "silently dropped, counters incremented").
	DHTDropped = metrics.NewRegisteredMeter("dht/wire/dropped", metrics.DefaultRegistry)

	// QueryTimeouts counts transactions that hit their deadline unanswered.
	QueryTimeouts = metrics.NewRegisteredMeter("dht/query/timeouts", metrics.DefaultRegistry)

	// SearchesStarted / SearchesCompleted count search lifecycle events.
	SearchesStarted   = metrics.NewRegisteredMeter("dht/search/started", metrics.DefaultRegistry)
	SearchesCompleted = metrics.NewRegisteredMeter("dht/search/completed", metrics.DefaultRegistry)

	// BucketSplits / BucketEvictions are registered for routing-table
	// maintenance events, but nothing in the repository marks them, so they
	// stay at zero.
	BucketSplits    = metrics.NewRegisteredMeter("dht/table/splits", metrics.DefaultRegistry)
	BucketEvictions = metrics.NewRegisteredMeter("dht/table/evictions", metrics.DefaultRegistry)

	// PeerStoreSize / PutStoreSize track store occupancy as gauges, updated
	// by the event loop's periodic sweep.
	PeerStoreSize = metrics.NewRegisteredGauge("dht/store/peers/size", metrics.DefaultRegistry)
	PutStoreSize  = metrics.NewRegisteredGauge("dht/store/puts/size", metrics.DefaultRegistry)
)

// MarkIn records one inbound datagram of n bytes.
func MarkIn(n int) {
	DHTIn.Mark(1)
	DHTInBytes.Mark(int64(n))
}

// MarkOut records one outbound datagram of n bytes.
func MarkOut(n int) {
	DHTOut.Mark(1)
	DHTOutBytes.Mark(int64(n))
}
