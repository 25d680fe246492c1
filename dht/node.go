// Event loop: the single-threaded cooperative UDP dispatch loop that ties
// the routing table, transaction table, token issuer, stores and search
// engine together, per spec.md §4.9. Adapted from p2p/discover/table.go's
// refreshLoop (ticker plus select over multiple channels, explicit close
// handshake), generalized from "only run bucket refreshes" to the full
// dispatch cycle: UDP receive with a computed timeout, then advance every
// timer whose deadline has elapsed.
//
// Engine's exported Search/Cancel/ObserveNode methods are the "consumer-
// facing operations" of spec.md §6; they lock mu so a library consumer may
// call them from a different goroutine than Serve runs on, but Serve
// itself never spawns a goroutine per query or per search — every
// handler runs to completion on the loop goroutine, matching spec.md §5's
// single-threaded reasoning model.
package dht

import (
	"crypto/rand"
	"net"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/dalistudio/libdht/bencode"
	"github.com/dalistudio/libdht/krpc"
	"github.com/dalistudio/libdht/logger"
	"github.com/dalistudio/libdht/logger/glog"
	"github.com/dalistudio/libdht/metrics"
	"github.com/dalistudio/libdht/store"
)

// SearchHandle identifies one search registered with the engine, returned
// by Search and accepted by Cancel, per spec.md §6.
type SearchHandle uint64

// Engine is one DHT node: the owning value spec.md §9 calls for in place
// of the source's single global dht_node.
type Engine struct {
	mu sync.Mutex

	self  krpc.ID
	cfg   Config
	clock Clock
	conn  net.PacketConn

	table  *Table
	tx     *TransactionTable
	tokens *TokenIssuer
	peers  *store.PeerStore
	puts   *store.PutStore
	signer store.Signer

	searches   map[SearchHandle]*Search
	nextHandle SearchHandle

	nextSweep time.Time
	nextSave  time.Time

	fs           afero.Fs
	saveFilePath string
	closed       bool
}

// NewEngine constructs a node around self's identifier, a bound UDP
// socket, and the injected Ed25519 Signer (spec.md §9's injected trait).
func NewEngine(self krpc.ID, conn net.PacketConn, clock Clock, cfg Config, signer store.Signer) *Engine {
	now := clock.Now()
	e := &Engine{
		self:   self,
		cfg:    cfg,
		clock:  clock,
		conn:   conn,
		table:  NewTable(self, clock, cfg),
		tx:     NewTransactionTable(),
		tokens: NewTokenIssuer(now, cfg.TokenRotationInterval, rand.Read),
		peers:  store.NewPeerStore(cfg.PeerTimeout),
		puts:   store.NewPutStore(signer, cfg.PutTimeout),
		signer: signer,

		searches:     make(map[SearchHandle]*Search),
		nextSweep:    now.Add(cfg.SearchIterationTick),
		nextSave:     now.Add(cfg.SaveInterval),
		fs:           afero.NewOsFs(),
		saveFilePath: cfg.SaveFilePath,
	}
	e.table.OnBucketNeedsPing(e.onBucketNeedsPing)
	return e
}

// SetFilesystem swaps the afero.Fs the periodic save uses, letting tests
// substitute an in-memory filesystem (afero.NewMemMapFs()) for the real
// one, the same pattern node/config_test.go uses in the teacher.
func (e *Engine) SetFilesystem(fs afero.Fs) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fs = fs
}

// Self returns the node's own 160-bit identifier.
func (e *Engine) Self() krpc.ID { return e.self }

// Table exposes the routing table for inspection (status reporting,
// persistence); callers must not mutate it directly.
func (e *Engine) Table() *Table { return e.table }

// Peers exposes the peer store for inspection/persistence.
func (e *Engine) Peers() *store.PeerStore { return e.peers }

// Puts exposes the put store for inspection/persistence.
func (e *Engine) Puts() *store.PutStore { return e.puts }

// ObserveNode records contact with a bootstrap node without waiting for a
// query/response, per spec.md §6.
func (e *Engine) ObserveNode(id krpc.ID, addr *net.UDPAddr) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.table.Observe(id, addr, e.clock.Now())
}

// Serve runs the event loop until the engine is closed or done fires. It
// owns the UDP socket exclusively (spec.md §5) and suspends only in the
// underlying ReadFrom call, sized by NextDeadline/computeTimeout.
func (e *Engine) Serve(done <-chan struct{}) error {
	buf := make([]byte, 4096)
	for {
		select {
		case <-done:
			return nil
		default:
		}
		e.mu.Lock()
		closed := e.closed
		e.mu.Unlock()
		if closed {
			return nil
		}

		timeout := e.computeTimeout()
		e.conn.SetReadDeadline(e.clock.Now().Add(timeout))
		n, from, err := e.conn.ReadFrom(buf)
		now := e.clock.Now()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				e.mu.Lock()
				e.advance(now)
				e.mu.Unlock()
				continue
			}
			return err
		}
		udpAddr, ok := from.(*net.UDPAddr)
		if !ok {
			udpAddr, _ = net.ResolveUDPAddr("udp", from.String())
		}
		e.mu.Lock()
		e.handleDatagram(buf[:n], udpAddr, now)
		e.advance(now)
		e.mu.Unlock()
	}
}

// computeTimeout sizes the next UDP read deadline as the minimum over
// every pending timer, per spec.md §4.9.
func (e *Engine) computeTimeout() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock.Now()
	best := now.Add(e.cfg.SearchIterationTick)
	if d, ok := e.tx.NextDeadline(); ok && d.Before(best) {
		best = d
	}
	if e.nextSweep.Before(best) {
		best = e.nextSweep
	}
	if e.nextSave.Before(best) {
		best = e.nextSave
	}
	d := best.Sub(now)
	if d <= 0 {
		return time.Millisecond
	}
	if d > e.cfg.SearchIterationTick {
		d = e.cfg.SearchIterationTick
	}
	return d
}

// advance fires every timer whose deadline has elapsed as of now. Caller
// must hold mu.
func (e *Engine) advance(now time.Time) {
	e.tx.FireTimeouts(now)
	e.tokens.MaybeRotate(now)
	e.tickSearches(now)
	e.tickRefresh(now)
	if !now.Before(e.nextSweep) {
		e.peers.Sweep(now)
		e.puts.Sweep(now)
		metrics.PeerStoreSize.Update(int64(e.peers.Len()))
		metrics.PutStoreSize.Update(int64(e.puts.Len()))
		e.nextSweep = now.Add(e.cfg.SearchIterationTick)
	}
	if !now.Before(e.nextSave) {
		e.nextSave = now.Add(e.cfg.SaveInterval)
		if e.saveFilePath != "" {
			// spec.md §5: the save file is the one blocking I/O the event
			// loop performs besides the UDP socket itself; failures are
			// logged and retried on the next interval rather than fatal.
			if err := e.saveToFileLocked(e.saveFilePath); err != nil {
				glog.V(logger.Warn).Warnf("dht: save to %s failed: %v", e.saveFilePath, err)
			}
		}
	}
}

// HandleDatagram processes one inbound UDP datagram; exported so tests can
// drive the engine deterministically without a real socket.
func (e *Engine) HandleDatagram(buf []byte, from *net.UDPAddr, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handleDatagram(buf, from, now)
}

func (e *Engine) handleDatagram(buf []byte, from *net.UDPAddr, now time.Time) {
	metrics.MarkIn(len(buf))
	msg, err := krpc.Decode(buf)
	if err != nil {
		metrics.DHTDropped.Mark(1)
		return
	}
	if err := msg.Validate(); err != nil {
		metrics.DHTDropped.Mark(1)
		return
	}
	id, ok := msg.SenderID()
	if !ok {
		metrics.DHTDropped.Mark(1)
		return
	}

	switch msg.Y {
	case krpc.YQuery:
		e.table.Observe(id, from, now)
		e.handleQuery(msg, from, now)
	case krpc.YResponse, krpc.YError:
		tid, ok := parseTid(msg.T)
		if !ok {
			return
		}
		if msg.Y == krpc.YResponse {
			e.table.Observe(id, from, now)
		}
		var respErr error
		if msg.Y == krpc.YError {
			respErr = ErrQueryTimeout // treated as a failed candidate by callers below; the actual code/msg is in msg.E
		}
		e.tx.Deliver(tid, from, msg)
		_ = respErr
	}
}

// onBucketNeedsPing is the routing table's step-6 callback (spec.md
// §4.4): send a ping to the bucket's oldest entry and resolve the
// replacement decision from its outcome.
func (e *Engine) onBucketNeedsPing(bucketIdx int, oldest, candidate *Entry) {
	now := e.clock.Now()
	args := &krpc.Args{ID: e.self}
	e.sendQuery(oldest.Addr, krpc.QPing, args, KindPing, e.cfg.PingTimeout, now, func(resp *krpc.Msg, from *net.UDPAddr, err error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.table.ResolvePing(oldest.ID, err == nil, e.clock.Now())
	})
}

// sendQuery encodes and sends a KRPC query, registering a transaction so
// the response (or timeout) reaches cont, per spec.md §4.3.
func (e *Engine) sendQuery(dest *net.UDPAddr, method string, args *krpc.Args, kind TransactionKind, timeout time.Duration, now time.Time, cont Continuation) {
	tid := e.tx.Register(dest, kind, now, timeout, cont)
	msg := &krpc.Msg{T: tidString(tid), Y: krpc.YQuery, Q: method, A: args}
	buf, err := msg.Encode()
	if err != nil {
		return
	}
	if _, err := e.conn.WriteTo(buf, dest); err == nil {
		metrics.MarkOut(len(buf))
	}
}

func (e *Engine) sendResponse(dest *net.UDPAddr, t string, r *krpc.Return) {
	msg := &krpc.Msg{T: t, Y: krpc.YResponse, R: r}
	buf, err := msg.Encode()
	if err != nil {
		return
	}
	if _, err := e.conn.WriteTo(buf, dest); err == nil {
		metrics.MarkOut(len(buf))
	}
}

func (e *Engine) sendError(dest *net.UDPAddr, t string, code int, msg string) {
	m := &krpc.Msg{T: t, Y: krpc.YError, E: &krpc.ErrData{Code: code, Msg: msg}}
	buf, err := m.Encode()
	if err != nil {
		return
	}
	if _, err := e.conn.WriteTo(buf, dest); err == nil {
		metrics.MarkOut(len(buf))
	}
}

func tidString(tid uint16) string {
	return string([]byte{byte(tid >> 8), byte(tid)})
}

func parseTid(t string) (uint16, bool) {
	if len(t) != 2 {
		return 0, false
	}
	return uint16(t[0])<<8 | uint16(t[1]), true
}

// handleQuery dispatches one inbound query to its handler, per spec.md
// §4.2's recognized methods.
func (e *Engine) handleQuery(msg *krpc.Msg, from *net.UDPAddr, now time.Time) {
	a := msg.A
	switch msg.Q {
	case krpc.QPing:
		e.sendResponse(from, msg.T, &krpc.Return{ID: e.self})
	case krpc.QFindNode:
		nodes := e.table.Closest(a.Target, SearchResultMax)
		e.sendResponse(from, msg.T, &krpc.Return{ID: e.self, Nodes: krpc.EncodeCompactNodes(nodes)})
	case krpc.QGetPeers:
		e.handleGetPeers(msg, from, now)
	case krpc.QAnnouncePeer:
		e.handleAnnouncePeer(msg, from, now)
	case krpc.QGet:
		e.handleGet(msg, from, now)
	case krpc.QPut:
		e.handlePut(msg, from, now)
	default:
		e.sendError(from, msg.T, krpc.ErrMethodUnknown, "Method Unknown")
	}
}

func (e *Engine) handleGetPeers(msg *krpc.Msg, from *net.UDPAddr, now time.Time) {
	a := msg.A
	token := e.tokens.Issue(from)
	var ih [20]byte
	copy(ih[:], a.InfoHash[:])
	peerAddrs := e.peers.Get(ih, MaxPeersReturned, now)
	r := &krpc.Return{ID: e.self, Token: token}
	if len(peerAddrs) > 0 {
		vals := make([]string, 0, len(peerAddrs))
		for _, addr := range peerAddrs {
			if s, err := krpc.EncodeCompactPeer(addr); err == nil {
				vals = append(vals, s)
			}
		}
		r.Values = vals
	} else {
		nodes := e.table.Closest(a.InfoHash, SearchResultMax)
		r.Nodes = krpc.EncodeCompactNodes(nodes)
	}
	e.sendResponse(from, msg.T, r)
}

func (e *Engine) handleAnnouncePeer(msg *krpc.Msg, from *net.UDPAddr, now time.Time) {
	a := msg.A
	if !e.tokens.Verify(from, a.Token) {
		e.sendError(from, msg.T, krpc.ErrBadToken, "Bad Token")
		return
	}
	port := a.Port
	if a.ImpliedPort {
		port = from.Port
	}
	var ih [20]byte
	copy(ih[:], a.InfoHash[:])
	e.peers.Announce(ih, &net.UDPAddr{IP: from.IP, Port: port}, now)
	e.sendResponse(from, msg.T, &krpc.Return{ID: e.self})
}

func (e *Engine) handleGet(msg *krpc.Msg, from *net.UDPAddr, now time.Time) {
	a := msg.A
	var key [20]byte
	copy(key[:], a.Target[:])
	item := e.puts.Get(key, now)
	token := e.tokens.Issue(from)
	r := &krpc.Return{ID: e.self, Token: token}
	if item != nil {
		r.V = item.V
		if item.Mutable() {
			r.K = item.K
			r.Salt = item.Salt
			r.Seq = &item.Seq
			r.Sig = item.Sig
		}
	}
	e.sendResponse(from, msg.T, r)
}

func (e *Engine) handlePut(msg *krpc.Msg, from *net.UDPAddr, now time.Time) {
	a := msg.A
	if !e.tokens.Verify(from, a.Token) {
		e.sendError(from, msg.T, krpc.ErrBadToken, "Bad Token")
		return
	}
	if a.V == nil {
		e.sendError(from, msg.T, krpc.ErrGeneric, "Missing v")
		return
	}
	if len(a.K) > 0 {
		req := store.PutMutableRequest{K: a.K, Salt: a.Salt, V: a.V, Sig: a.Sig, Cas: a.Cas}
		if a.Seq != nil {
			req.Seq = *a.Seq
		}
		if err := e.puts.PutMutable(req, now); err != nil {
			switch err {
			case store.ErrSignature:
				e.sendError(from, msg.T, krpc.ErrInvalidSignature, "Bad Signature")
			case store.ErrSaltTooLong:
				e.sendError(from, msg.T, krpc.ErrSaltTooLong, "Salt Too Long")
			case store.ErrCASMismatch:
				e.sendError(from, msg.T, krpc.ErrCASMismatch, "CAS Mismatch")
			case store.ErrStaleSeq:
				e.sendError(from, msg.T, krpc.ErrSeqLessThanCAS, "Sequence Number Less Than Current")
			default:
				e.sendError(from, msg.T, krpc.ErrGeneric, err.Error())
			}
			return
		}
	} else {
		key := store.ImmutableKey(a.V)
		if err := e.puts.PutImmutable(key, a.V, now); err != nil {
			e.sendError(from, msg.T, krpc.ErrInvalidSignature, "Invalid Hash")
			return
		}
	}
	e.sendResponse(from, msg.T, &krpc.Return{ID: e.self})
}

// tickRefresh starts a find_node search for any bucket whose refresh timer
// has elapsed, per spec.md §4.4.
func (e *Engine) tickRefresh(now time.Time) {
	for _, idx := range e.table.BucketsDueForRefresh(now) {
		target := e.table.BeginRefresh(idx)
		i := idx
		e.startSearch(SearchFindNode, target, nil, 0, func(res SearchResult) {
			e.mu.Lock()
			e.table.FinishRefresh(i, e.clock.Now())
			e.mu.Unlock()
		})
	}
}

// tickSearches advances every active search by one iteration, per
// spec.md §4.5, and reaps finished ones.
func (e *Engine) tickSearches(now time.Time) {
	for h, s := range e.searches {
		if s.Done() {
			delete(e.searches, h)
			continue
		}
		s.Tick(now, func(c *candidate, args QueryArgs) {
			e.dispatchSearchQuery(s, c, args, now)
		})
		if s.writePhase {
			s.TickWrite(func(c *candidate, args QueryArgs) {
				e.dispatchSearchQuery(s, c, args, now)
			})
		}
		if s.Done() {
			delete(e.searches, h)
		}
	}
}

// dispatchSearchQuery sends one search-driven query to a candidate and
// wires its response/timeout back into the search's state machine.
func (e *Engine) dispatchSearchQuery(s *Search, c *candidate, args QueryArgs, now time.Time) {
	a := &krpc.Args{ID: e.self}
	switch args.Method {
	case krpc.QFindNode:
		a.Target = args.Target
	case krpc.QGetPeers:
		a.InfoHash = args.Hash
	case krpc.QGet:
		a.Target = args.Hash
	case krpc.QAnnouncePeer:
		a.InfoHash = args.Hash
		a.Token = args.Token
		a.Port = args.Port
		a.ImpliedPort = true
	case krpc.QPut:
		a.Token = args.Token
		if args.Put != nil {
			a.V = args.Put.V
			a.K = args.Put.K
			a.Salt = args.Put.Salt
			if args.Put.K != nil {
				seq := args.Put.Seq
				a.Seq = &seq
			}
			a.Sig = args.Put.Sig
			a.Cas = args.Put.Cas
		}
	}
	id := c.ID
	e.sendQuery(c.Addr, args.Method, a, KindQuery, e.cfg.SearchQueryTimeout, now, func(resp *krpc.Msg, from *net.UDPAddr, err error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if err != nil {
			metrics.QueryTimeouts.Mark(1)
			s.OnTimeout(id)
			return
		}
		if resp.Y == krpc.YError {
			s.OnTimeout(id)
			return
		}
		switch args.Method {
		case krpc.QAnnouncePeer:
			s.OnWriteAccepted()
		case krpc.QPut:
			s.OnWriteAccepted()
		default:
			e.absorbResponse(s, id, resp)
		}
	})
}

// absorbResponse merges a find_node/get_peers/get response's payload into
// the owning search, per spec.md §4.5.
func (e *Engine) absorbResponse(s *Search, id krpc.ID, resp *krpc.Msg) {
	r := resp.R
	if r == nil {
		s.OnTimeout(id)
		return
	}
	nodes, _ := krpc.DecodeCompactNodes(r.Nodes)
	var peerAddrs []*net.UDPAddr
	for _, v := range r.Values {
		if addr, err := krpc.DecodeCompactPeer(v); err == nil {
			peerAddrs = append(peerAddrs, addr)
		}
	}
	var seq int64
	if r.Seq != nil {
		seq = *r.Seq
	}
	var value *bencode.Value
	if r.V != nil {
		value = r.V
	}
	s.OnResponse(id, nodes, peerAddrs, r.Token, value, r.K, r.Salt, r.Sig, seq)
}

// startSearch registers a new search seeded from the routing table's
// current view, per spec.md §3 and §6's search(target, type, options)
// surface. The caller must hold mu.
func (e *Engine) startSearch(typ SearchType, target krpc.ID, write *PutPayload, announcePort int, onComplete func(SearchResult)) SearchHandle {
	seed := e.table.Closest(target, SearchResultMax)
	wrapped := func(res SearchResult) {
		metrics.SearchesCompleted.Mark(1)
		if onComplete != nil {
			onComplete(res)
		}
	}
	s := NewSearch(typ, target, seed, e.cfg.Alpha, wrapped)
	if write != nil || typ == SearchAnnounce {
		s.SetWrite(write, announcePort)
	}
	e.nextHandle++
	h := e.nextHandle
	e.searches[h] = s
	metrics.SearchesStarted.Mark(1)
	if glog.V(logger.Detail) {
		glog.V(logger.Detail).Infof("search %d started: type=%d target=%x", h, typ, target[:4])
	}
	return h
}

// Search starts a find_node/get_peers/get lookup, per spec.md §6. The
// completion callback runs on the event loop goroutine exactly once. This
// is the only generic entry point the higher-level wrappers in peers.go
// and put_ops.go build on (spec.md §1: those wrappers are external
// collaborators that call only this public surface).
func (e *Engine) Search(target krpc.ID, typ SearchType, onComplete func(SearchResult)) SearchHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startSearch(typ, target, nil, 0, onComplete)
}

// StartAnnounce begins a get_peers lookup followed by an announce_peer
// write phase to the K closest responded nodes, per spec.md §4.5.
func (e *Engine) StartAnnounce(infoHash krpc.ID, port int, onComplete func(SearchResult)) SearchHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startSearch(SearchAnnounce, infoHash, nil, port, onComplete)
}

// StartPut begins a get lookup for key followed by a put write phase
// storing payload (already fully formed — signed, if mutable — by the
// caller) to the K closest responded nodes, per spec.md §4.5/§13. The
// pre-write callback spec.md describes for put_mutable belongs to the
// dht/put_ops.go wrapper, which runs a plain Search(SearchGet, ...) first
// to see the existing value before calling StartPut with the bumped one.
func (e *Engine) StartPut(key krpc.ID, payload *PutPayload, onComplete func(SearchResult)) SearchHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startSearch(SearchPut, key, payload, 0, onComplete)
}

// Cancel aborts an in-progress search, per spec.md §5/§6. Idempotent.
func (e *Engine) Cancel(h SearchHandle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.searches[h]; ok {
		s.Cancel()
		delete(e.searches, h)
	}
}

// Close shuts the engine down; any further Serve loop iteration returns.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return e.conn.Close()
}
