// Search engine: the iterative (recursive) lookup state machine that
// drives find_node/get_peers/get/announce/put to convergence, per
// spec.md §4.5. Adapted from p2p/discover/table.go's lookup() — alpha-
// bounded fan-out, an "asked" set, and a termination-by-exhaustion loop —
// but reshaped from that function's goroutine-per-query, channel-select
// form into a tick-driven state machine, since this spec's event loop
// (spec.md §4.9) is single-threaded cooperative rather than one goroutine
// per concurrent lookup.
package dht

import (
	"net"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru"
	set "gopkg.in/fatih/set.v0"
	"gopkg.in/karalabe/cookiejar.v2/collections/prque"

	"github.com/dalistudio/libdht/bencode"
	"github.com/dalistudio/libdht/krpc"
)

// SearchType selects which KRPC query a search issues to each candidate
// and what it accumulates from responses, per spec.md §3.
type SearchType int

const (
	SearchFindNode SearchType = iota
	SearchGetPeers
	SearchGet
	SearchAnnounce
	SearchPut // immutable or mutable BEP-44 write, distinguished by writePayload.K
)

type candState int

const (
	candUnqueried candState = iota
	candInFlight
	candResponded
	candFailed
)

// candidate is one node known to a search, tracked across the lookup's
// lifetime independent of whether it remains in the routing table.
type candidate struct {
	ID    krpc.ID
	Addr  *net.UDPAddr
	State candState
	Token string // write token returned by this node's get_peers/get response
}

// SearchResult is delivered to a search's completion callback exactly
// once, per spec.md §3's search lifecycle and §5's "callbacks are invoked
// exactly once" ordering guarantee.
type SearchResult struct {
	Target krpc.ID
	Type   SearchType

	Cancelled bool
	Err       error // ErrSearchExhausted on an empty convergence, else nil

	ClosestNodes []krpc.NodeInfo // find_node-style convergence result

	Peers []*net.UDPAddr // get_peers accumulation

	// get_peers / get also need a write token per responder for a
	// subsequent write phase; exposed via WriteTokens for peers.go.
	WriteTokens map[krpc.ID]string

	// get (BEP 44) accumulation: best (highest seq) value seen.
	Value    *bencode.Value
	HasValue bool
	ValueK    []byte
	ValueSalt []byte
	ValueSeq  int64
	ValueSig  []byte

	// write-phase outcome for announce/put_imm/put_mut.
	WritesAccepted int
	WritesSent     int
}

// QueryArgs is what a search hands the engine to actually build and send
// one outbound query to one candidate; filled in differently per
// SearchType by Search.buildArgs.
type QueryArgs struct {
	Method string
	Target krpc.ID   // find_node
	Hash   krpc.ID   // get_peers / announce_peer / BEP-44 key derivation
	Token  string     // announce_peer / put, taken from the candidate's token
	Port   int        // announce_peer
	Put    *PutPayload // put (immutable or mutable)
}

// PutPayload carries the BEP-44 write body for an announce/put search.
type PutPayload struct {
	V    *bencode.Value
	K    []byte
	Salt []byte
	Seq  int64
	Sig  []byte
	Cas  *int64
}

// Search is one in-progress iterative lookup.
type Search struct {
	target krpc.ID
	typ    SearchType
	infoHash krpc.ID // announce_peer/get_peers target; NewSearch sets it to target

	alpha      int
	maxQueries int

	pool    map[krpc.ID]*candidate
	poolLRU *lru.Cache // bounds pool at MaxCandidatePool, evicting least-recently-touched
	asked   *set.Set   // ids ever dispatched a query this search's lifetime

	inFlight    int
	queriesSent int

	lastTick time.Time

	// accumulated results
	peers       []*net.UDPAddr
	writeTokens map[krpc.ID]string
	value       *bencode.Value
	hasValue    bool
	valueK      []byte
	valueSalt   []byte
	valueSeq    int64
	valueSig    []byte

	// write phase
	writePayload   *PutPayload
	announcePort   int
	writePhase     bool
	writeTargets   []*candidate
	writesSent     int
	writesAccepted int

	done      bool
	cancelled bool

	onComplete func(SearchResult)
}

// NewSearch creates a lookup seeded with the routing table's current
// closest-known nodes to target, per spec.md §3 ("Initial candidate set =
// K closest nodes to target in the routing table").
func NewSearch(typ SearchType, target krpc.ID, seed []krpc.NodeInfo, alpha int, onComplete func(SearchResult)) *Search {
	poolLRU, _ := lru.New(MaxCandidatePool)
	s := &Search{
		target:      target,
		infoHash:    target,
		typ:         typ,
		alpha:       alpha,
		maxQueries:  MaxSearchQueries,
		pool:        make(map[krpc.ID]*candidate),
		poolLRU:     poolLRU,
		asked:       set.New(),
		writeTokens: make(map[krpc.ID]string),
		onComplete:  onComplete,
	}
	for _, n := range seed {
		s.merge(n)
	}
	return s
}

// SetWrite configures the post-lookup write phase for announce/put
// searches (spec.md §4.5 "Write phase").
func (s *Search) SetWrite(payload *PutPayload, announcePort int) {
	s.writePayload = payload
	s.announcePort = announcePort
}

// merge inserts or refreshes a candidate in the bounded pool, per spec.md
// §4.5 "merge returned nodes into the candidate set (capped at some
// reasonable bound, e.g. 64, then truncated to K closest)".
func (s *Search) merge(n krpc.NodeInfo) {
	if n.ID == (krpc.ID{}) {
		return
	}
	if s.asked.Has(n.ID.String()) {
		return // already queried this id (in flight, responded or failed)
	}
	if c, ok := s.pool[n.ID]; ok {
		c.Addr = n.Addr
		s.poolLRU.Add(n.ID, struct{}{})
		return
	}
	if s.poolLRU.Len() >= MaxCandidatePool {
		if oldestKey, _, ok := s.poolLRU.RemoveOldest(); ok {
			delete(s.pool, oldestKey.(krpc.ID))
		}
	}
	c := &candidate{ID: n.ID, Addr: n.Addr, State: candUnqueried}
	s.pool[n.ID] = c
	s.poolLRU.Add(n.ID, struct{}{})
}

// closestK returns the K candidates in the pool closest to the target,
// ascending by XOR distance with the spec.md §4.5 tie-break (smaller id
// first; this pool never carries two entries for the same id, so the
// "earlier-seen address" tie-break never applies here).
func (s *Search) closestK() []*candidate {
	all := make([]*candidate, 0, len(s.pool))
	for _, c := range s.pool {
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool {
		di := krpc.Distance(all[i].ID, s.target)
		dj := krpc.Distance(all[j].ID, s.target)
		c := di.Cmp(dj)
		if c != 0 {
			return c < 0
		}
		return all[i].ID.Less(all[j].ID)
	})
	if len(all) > SearchResultMax {
		all = all[:SearchResultMax]
	}
	return all
}

// dispatchOrder builds a priority queue over a candidate slice's unqueried
// entries so Tick dispatches the closest ones first; a rough float32
// distance ordering is all this needs, since the exact K-closest set is
// already pinned precisely by closestK's big.Int comparison above.
func dispatchOrder(target krpc.ID, cands []*candidate) *prque.Prque {
	pq := prque.New()
	for _, c := range cands {
		if c.State != candUnqueried {
			continue
		}
		d := krpc.Distance(c.ID, target)
		// Use the most significant 4 bytes as a monotonic ordering key;
		// fine-grained tie precision doesn't matter for dispatch order.
		prio := -float32(uint32(d[0])<<24 | uint32(d[1])<<16 | uint32(d[2])<<8 | uint32(d[3]))
		pq.Push(c, prio)
	}
	return pq
}

// Tick advances the search by at most search_iteration_timeout (the event
// loop enforces that cadence; Tick itself just performs one iteration's
// worth of dispatch/termination check), per spec.md §4.5.
//
// dispatch is called once per candidate this tick selects for querying; it
// must arrange for either (s.OnResponse or s.OnTimeout) to be invoked
// later against that candidate's id.
func (s *Search) Tick(now time.Time, dispatch func(c *candidate, args QueryArgs)) {
	if s.done {
		return
	}
	top := s.closestK()
	pq := dispatchOrder(s.target, top)
	for s.inFlight < s.alpha && !pq.Empty() && s.queriesSent < s.maxQueries {
		v, _ := pq.Pop()
		c := v.(*candidate)
		c.State = candInFlight
		s.inFlight++
		s.queriesSent++
		s.asked.Add(c.ID.String())
		dispatch(c, s.buildArgs(c))
	}
	s.maybeFinish(top, now)
}

func (s *Search) buildArgs(c *candidate) QueryArgs {
	switch s.typ {
	case SearchFindNode:
		return QueryArgs{Method: krpc.QFindNode, Target: s.target}
	case SearchGetPeers:
		return QueryArgs{Method: krpc.QGetPeers, Hash: s.infoHash}
	case SearchGet:
		return QueryArgs{Method: krpc.QGet, Hash: s.infoHash}
	default:
		// Announce/put searches still perform a get_peers/get-style lookup
		// phase to find write targets and tokens; the actual write is sent
		// in the write phase once the lookup converges.
		if s.typ == SearchAnnounce {
			return QueryArgs{Method: krpc.QGetPeers, Hash: s.infoHash}
		}
		return QueryArgs{Method: krpc.QGet, Hash: s.infoHash}
	}
}

// OnResponse records a successful response from candidate id, merging any
// returned nodes/peers/value into the search's accumulated state, per
// spec.md §4.5's per-type accumulation rules.
func (s *Search) OnResponse(id krpc.ID, nodes []krpc.NodeInfo, peers []*net.UDPAddr, token string, value *bencode.Value, vk, vsalt, vsig []byte, vseq int64) {
	c, ok := s.pool[id]
	if !ok || c.State != candInFlight {
		return
	}
	c.State = candResponded
	c.Token = token
	s.inFlight--
	if token != "" {
		s.writeTokens[id] = token
	}
	for _, n := range nodes {
		s.merge(n)
	}
	s.peers = append(s.peers, peers...)
	if value != nil && vseq >= s.valueSeq {
		if !s.hasValue || vseq > s.valueSeq {
			s.value = value
			s.valueSeq = vseq
			s.valueK = vk
			s.valueSalt = vsalt
			s.valueSig = vsig
			s.hasValue = true
		}
	}
}

// OnTimeout records that candidate id's query failed to answer in time,
// per spec.md §4.5 "On timeout, mark failed; entry is ignored for the
// rest of the search but retained for token purposes".
func (s *Search) OnTimeout(id krpc.ID) {
	c, ok := s.pool[id]
	if !ok || c.State != candInFlight {
		return
	}
	c.State = candFailed
	s.inFlight--
}

// maybeFinish checks spec.md §4.5's termination rule: every one of the K
// closest known candidates is responded or failed, and nothing is
// in-flight. It transitions into the write phase for announce/put
// searches, or finishes the search outright for read-only lookups.
func (s *Search) maybeFinish(top []*candidate, now time.Time) {
	if s.inFlight > 0 {
		return
	}
	atCeiling := s.queriesSent >= s.maxQueries
	if !atCeiling {
		for _, c := range top {
			if c.State == candUnqueried {
				return
			}
		}
	}
	if s.writePayload != nil || s.typ == SearchAnnounce {
		s.enterWritePhase(top)
		return
	}
	s.finish()
}

func (s *Search) enterWritePhase(top []*candidate) {
	if s.writePhase {
		return
	}
	s.writePhase = true
	for _, c := range top {
		if c.State == candResponded && c.Token != "" {
			s.writeTargets = append(s.writeTargets, c)
		}
	}
}

// TickWrite dispatches the write-phase queries (announce_peer/put) to up
// to K closest responded nodes using their tokens, per spec.md §4.5.
func (s *Search) TickWrite(dispatch func(c *candidate, args QueryArgs)) {
	if !s.writePhase || s.done {
		return
	}
	for len(s.writeTargets) > 0 {
		c := s.writeTargets[0]
		s.writeTargets = s.writeTargets[1:]
		s.writesSent++
		args := QueryArgs{Token: c.Token}
		switch s.typ {
		case SearchAnnounce:
			args.Method = krpc.QAnnouncePeer
			args.Hash = s.infoHash
			args.Port = s.announcePort
		default:
			args.Method = krpc.QPut
			args.Hash = s.infoHash
			args.Put = s.writePayload
		}
		dispatch(c, args)
	}
	if len(s.writeTargets) == 0 {
		s.finish()
	}
}

// OnWriteAccepted records one accepted write response.
func (s *Search) OnWriteAccepted() { s.writesAccepted++ }

func (s *Search) finish() {
	if s.done {
		return
	}
	s.done = true
	res := SearchResult{
		Target:         s.target,
		Type:           s.typ,
		ClosestNodes:   closestNodeInfos(s.closestK()),
		Peers:          s.peers,
		WriteTokens:    s.writeTokens,
		Value:          s.value,
		HasValue:       s.hasValue,
		ValueK:         s.valueK,
		ValueSalt:      s.valueSalt,
		ValueSeq:       s.valueSeq,
		ValueSig:       s.valueSig,
		WritesAccepted: s.writesAccepted,
		WritesSent:     s.writesSent,
	}
	if s.typ == SearchGetPeers && len(s.peers) == 0 {
		res.Err = ErrSearchExhausted
	}
	if s.typ == SearchGet && !s.hasValue {
		res.Err = ErrSearchExhausted
	}
	if s.onComplete != nil {
		s.onComplete(res)
	}
}

func closestNodeInfos(cands []*candidate) []krpc.NodeInfo {
	out := make([]krpc.NodeInfo, len(cands))
	for i, c := range cands {
		out[i] = krpc.NodeInfo{ID: c.ID, Addr: c.Addr}
	}
	return out
}

// Cancel terminates the search immediately, per spec.md §5: idempotent,
// frees no explicit transactions here (the caller/event loop owns those),
// and invokes the completion callback exactly once with the cancel
// sentinel.
func (s *Search) Cancel() {
	if s.done {
		return
	}
	s.cancelled = true
	s.done = true
	if s.onComplete != nil {
		s.onComplete(SearchResult{Target: s.target, Type: s.typ, Cancelled: true, Err: ErrCancelled})
	}
}

// Done reports whether the search has finished (naturally or cancelled).
func (s *Search) Done() bool { return s.done }

// InFlightIDs returns the ids this search currently has an outstanding
// query against, used by the event loop to route timeouts/responses.
func (s *Search) InFlightIDs() []krpc.ID {
	var out []krpc.ID
	for id, c := range s.pool {
		if c.State == candInFlight {
			out = append(out, id)
		}
	}
	return out
}
