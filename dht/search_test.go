package dht

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalistudio/libdht/krpc"
)

func mkNode(b byte) krpc.NodeInfo {
	var id krpc.ID
	id[0] = b
	return krpc.NodeInfo{
		ID:   id,
		Addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, b), Port: 6881},
	}
}

// fakeNetwork is a minimal stand-in for the event loop's dispatch/response
// wiring: Tick hands it outbound queries, and the test drives OnResponse or
// OnTimeout back into the search exactly as dht/node.go's advance loop does
// once a reply (or its deadline) arrives.
type fakeNetwork struct {
	dispatched []krpc.ID
}

func (f *fakeNetwork) dispatch(c *candidate, args QueryArgs) {
	f.dispatched = append(f.dispatched, c.ID)
}

// TestSearchConvergesOverSeededNodes is a small-scale check of spec.md §8's
// "Search convergence" property (5): an iterative find_node lookup seeded
// with no more nodes than alpha queries every seed, accumulates no new candidates once all seeds
// have answered with an empty node list, and finishes exactly once with the
// seeded set as its closest-K result.
func TestSearchConvergesOverSeededNodes(t *testing.T) {
	seed := []krpc.NodeInfo{mkNode(1), mkNode(2), mkNode(3)}
	target := krpc.RandomID()

	var result SearchResult
	completions := 0
	s := NewSearch(SearchFindNode, target, seed, 3, func(r SearchResult) {
		completions++
		result = r
	})

	now := time.Unix(0, 0)
	netw := &fakeNetwork{}
	s.Tick(now, netw.dispatch)
	require.Len(t, netw.dispatched, 3, "all three seeded candidates should be queried in the first tick (alpha=3)")
	assert.False(t, s.Done())

	for _, id := range netw.dispatched {
		s.OnResponse(id, nil, nil, "", nil, nil, nil, nil, 0)
	}
	s.Tick(now, netw.dispatch)

	require.True(t, s.Done(), "search should converge once every known candidate has answered")
	assert.Equal(t, 1, completions, "completion callback must fire exactly once")
	assert.Len(t, result.ClosestNodes, 3)
	assert.Nil(t, result.Err)
	assert.False(t, result.Cancelled)
}

// TestSearchMergesCloserNodesFromResponses exercises the iterative part of
// convergence: a responder can hand back a node closer to the target than
// anything in the initial seed, and the search must query it on a later
// tick before declaring itself finished.
func TestSearchMergesCloserNodesFromResponses(t *testing.T) {
	seed := []krpc.NodeInfo{mkNode(1)}
	target := idWithLeadingByte(0x08)
	discovered := mkNode(9)

	done := false
	s := NewSearch(SearchFindNode, target, seed, 1, func(r SearchResult) { done = true })

	now := time.Unix(0, 0)
	netw := &fakeNetwork{}
	s.Tick(now, netw.dispatch)
	require.Len(t, netw.dispatched, 1)
	first := netw.dispatched[0]

	s.OnResponse(first, []krpc.NodeInfo{discovered}, nil, "", nil, nil, nil, nil, 0)
	assert.False(t, s.Done(), "must not finish while a freshly merged candidate is still unqueried")

	netw.dispatched = nil
	s.Tick(now, netw.dispatch)
	require.Len(t, netw.dispatched, 1, "the newly discovered node should be queried next")
	assert.Equal(t, discovered.ID, netw.dispatched[0])

	s.OnResponse(netw.dispatched[0], nil, nil, "", nil, nil, nil, nil, 0)
	s.Tick(now, netw.dispatch)
	assert.True(t, s.Done())
	assert.True(t, done)
}

// TestSearchTimeoutMarksFailedAndConverges checks that a candidate which
// never answers still lets the search terminate (spec.md §4.5's "marked
// failed, ignored for the rest of the search").
func TestSearchTimeoutMarksFailedAndConverges(t *testing.T) {
	seed := []krpc.NodeInfo{mkNode(1), mkNode(2)}
	target := krpc.RandomID()

	var result SearchResult
	s := NewSearch(SearchGetPeers, target, seed, 2, func(r SearchResult) { result = r })

	now := time.Unix(0, 0)
	netw := &fakeNetwork{}
	s.Tick(now, netw.dispatch)
	require.Len(t, netw.dispatched, 2)

	s.OnTimeout(netw.dispatched[0])
	s.OnResponse(netw.dispatched[1], nil, nil, "", nil, nil, nil, nil, 0)
	s.Tick(now, netw.dispatch)

	require.True(t, s.Done())
	assert.Equal(t, ErrSearchExhausted, result.Err, "get_peers convergence with no peers found reports exhaustion")
}

// TestSearchOnResponseIgnoresUnknownOrStaleCandidate guards the defensive
// checks in OnResponse/OnTimeout: a response for an id the search never
// dispatched, or a second response for an id already resolved, must be a
// no-op rather than corrupting inFlight bookkeeping.
func TestSearchOnResponseIgnoresUnknownOrStaleCandidate(t *testing.T) {
	seed := []krpc.NodeInfo{mkNode(1)}
	target := krpc.RandomID()
	s := NewSearch(SearchFindNode, target, seed, 1, func(r SearchResult) {})

	now := time.Unix(0, 0)
	netw := &fakeNetwork{}
	s.Tick(now, netw.dispatch)
	id := netw.dispatched[0]

	s.OnResponse(krpc.RandomID(), nil, nil, "", nil, nil, nil, nil, 0) // unknown id
	s.OnResponse(id, nil, nil, "", nil, nil, nil, nil, 0)
	s.OnResponse(id, nil, nil, "", nil, nil, nil, nil, 0) // duplicate: already responded

	s.Tick(now, netw.dispatch)
	assert.True(t, s.Done())
}

// TestSearchCancelIsIdempotent is spec.md §8's "Cancellation idempotence"
// property (6): Cancel may be called any number of times, but the
// completion callback fires exactly once, and a subsequent Tick is a no-op.
func TestSearchCancelIsIdempotent(t *testing.T) {
	seed := []krpc.NodeInfo{mkNode(1), mkNode(2)}
	target := krpc.RandomID()

	completions := 0
	var result SearchResult
	s := NewSearch(SearchFindNode, target, seed, 2, func(r SearchResult) {
		completions++
		result = r
	})

	s.Cancel()
	s.Cancel()
	s.Cancel()

	assert.Equal(t, 1, completions, "Cancel must invoke the completion callback exactly once regardless of call count")
	assert.True(t, result.Cancelled)
	assert.Equal(t, ErrCancelled, result.Err)
	assert.True(t, s.Done())

	netw := &fakeNetwork{}
	s.Tick(time.Unix(0, 0), netw.dispatch)
	assert.Empty(t, netw.dispatched, "a cancelled search must not dispatch further queries on Tick")
}

// TestSearchCancelAfterNaturalFinishIsNoop confirms the callback-exactly-
// once guarantee holds the other way too: cancelling a search that has
// already finished naturally must not fire onComplete a second time.
func TestSearchCancelAfterNaturalFinishIsNoop(t *testing.T) {
	seed := []krpc.NodeInfo{mkNode(1)}
	target := krpc.RandomID()

	completions := 0
	s := NewSearch(SearchFindNode, target, seed, 1, func(r SearchResult) { completions++ })

	now := time.Unix(0, 0)
	netw := &fakeNetwork{}
	s.Tick(now, netw.dispatch)
	s.OnResponse(netw.dispatched[0], nil, nil, "", nil, nil, nil, nil, 0)
	s.Tick(now, netw.dispatch)
	require.True(t, s.Done())
	require.Equal(t, 1, completions)

	s.Cancel()
	assert.Equal(t, 1, completions, "Cancel on an already-finished search must not re-invoke the callback")
}

// TestSearchWritePhaseDispatchesToTokenHoldingTargets grounds the
// announce/put write-phase half of convergence: once the lookup phase
// resolves, TickWrite must send exactly one write per responder that
// returned a token, and accepted-write bookkeeping must reach the final
// result.
func TestSearchWritePhaseDispatchesToTokenHoldingTargets(t *testing.T) {
	seed := []krpc.NodeInfo{mkNode(1), mkNode(2)}
	target := krpc.RandomID()

	var result SearchResult
	s := NewSearch(SearchAnnounce, target, seed, 2, func(r SearchResult) { result = r })
	s.SetWrite(nil, 6881)

	now := time.Unix(0, 0)
	netw := &fakeNetwork{}
	s.Tick(now, netw.dispatch)
	require.Len(t, netw.dispatched, 2)

	s.OnResponse(netw.dispatched[0], nil, nil, "tok-a", nil, nil, nil, nil, 0)
	s.OnResponse(netw.dispatched[1], nil, nil, "", nil, nil, nil, nil, 0) // no token: not a write target
	s.Tick(now, netw.dispatch)
	assert.False(t, s.Done(), "must not finish until the write phase has run")

	netw.dispatched = nil
	s.TickWrite(netw.dispatch)
	require.Len(t, netw.dispatched, 1, "only the responder that returned a token is a write target")

	// TickWrite drains every write target and finishes in the same pass
	// (the actual announce_peer/put acknowledgements arrive later, out of
	// band, via OnWriteAccepted against the next search); WritesSent is
	// what's known synchronously at that point.
	require.True(t, s.Done())
	assert.Equal(t, 1, result.WritesSent)
	assert.Equal(t, 0, result.WritesAccepted)
}
