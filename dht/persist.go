// Save file: a versioned bencoded container holding own id, routing
// table, peer store and put store, per spec.md §3/§6. Atomic on-disk
// writes are grounded on accounts/key.go's writeKeyFile in the teacher
// (TempFile in the target directory, fsync-free write, then os.Rename into
// place) generalized to an afero.Fs so tests can swap in an in-memory
// filesystem the way node/config_test.go does.
package dht

import (
	"errors"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/dalistudio/libdht/bencode"
	"github.com/dalistudio/libdht/krpc"
	"github.com/dalistudio/libdht/logger"
	"github.com/dalistudio/libdht/logger/glog"
	"github.com/dalistudio/libdht/store"
)

// ErrSaveVersionMismatch is returned by Load when the file's "version" key
// doesn't match SaveFileVersion. Per spec.md §6, the caller discards the
// file and starts fresh rather than treating this as fatal.
var ErrSaveVersionMismatch = errors.New("dht: save file version mismatch")

type savedEntry struct {
	ID   krpc.ID `bencode:"id"`
	Addr []byte  `bencode:"addr"` // compact peer form, 6 bytes
}

type savedBucket struct {
	First   krpc.ID      `bencode:"first"`
	Entries []savedEntry `bencode:"entries"`
}

type savedPeer struct {
	Addr   []byte `bencode:"addr"`
	Expire int64  `bencode:"expire"`
}

type savedInfoHash struct {
	InfoHash krpc.ID     `bencode:"info_hash"`
	Peers    []savedPeer `bencode:"peers"`
}

type savedItem struct {
	Hash   krpc.ID        `bencode:"hash"`
	K      []byte         `bencode:"k,omitempty"`
	Salt   []byte         `bencode:"salt,omitempty"`
	Seq    int64          `bencode:"seq,omitempty"`
	Sig    []byte         `bencode:"sig,omitempty"`
	V      *bencode.Value `bencode:"v"`
	Expire int64          `bencode:"expire"`
}

// savedNode is the top-level save-file dictionary of spec.md §6:
// {"version", "id", "buckets", "peers", "items"}.
type savedNode struct {
	Version int64           `bencode:"version"`
	ID      krpc.ID         `bencode:"id"`
	Buckets []savedBucket   `bencode:"buckets"`
	Peers   []savedInfoHash `bencode:"peers"`
	Items   []savedItem     `bencode:"items"`
}

// Save serializes the engine's own id, routing table, peer store and put
// store to w as a single bencoded dictionary, per spec.md §6.
func (e *Engine) Save(w io.Writer) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.saveLocked(w)
}

// saveLocked is Save's body, factored out so the event loop's periodic
// save (which already holds e.mu inside advance()) can call it without
// relocking a non-reentrant mutex.
func (e *Engine) saveLocked(w io.Writer) error {
	sn := savedNode{Version: SaveFileVersion, ID: e.self}
	for _, b := range e.table.Buckets() {
		sb := savedBucket{First: b.First}
		for _, ent := range b.Entries() {
			addr, err := krpc.EncodeCompactPeer(ent.Addr)
			if err != nil {
				continue // IPv6 bucket entries are never saved; reloaded as bootstrap misses
			}
			sb.Entries = append(sb.Entries, savedEntry{ID: ent.ID, Addr: []byte(addr)})
		}
		sn.Buckets = append(sn.Buckets, sb)
	}
	for ih, recs := range e.peers.Snapshot() {
		sih := savedInfoHash{InfoHash: krpc.ID(ih)}
		for _, r := range recs {
			addr, err := krpc.EncodeCompactPeer(r.Addr)
			if err != nil {
				continue
			}
			sih.Peers = append(sih.Peers, savedPeer{Addr: []byte(addr), Expire: r.Expire.Unix()})
		}
		sn.Peers = append(sn.Peers, sih)
	}
	for _, item := range e.puts.Snapshot() {
		sn.Items = append(sn.Items, savedItem{
			Hash:   krpc.ID(item.Hash),
			K:      item.K,
			Salt:   item.Salt,
			Seq:    item.Seq,
			Sig:    item.Sig,
			V:      item.V,
			Expire: item.Expire.Unix(),
		})
	}

	buf, err := bencode.Marshal(sn)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Load replaces the engine's routing table, peer store and put store
// contents from r. A version mismatch returns ErrSaveVersionMismatch
// without mutating any state, per spec.md §6 ("discard state and start
// fresh, logging a warning" — the warning is the caller's responsibility,
// since Load itself never logs).
func (e *Engine) Load(r io.Reader) error {
	buf, err := ioutil.ReadAll(r)
	if err != nil {
		return err
	}
	var sn savedNode
	if err := bencode.Unmarshal(buf, &sn); err != nil {
		return err
	}
	if sn.Version != SaveFileVersion {
		return ErrSaveVersionMismatch
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock.Now()

	for _, b := range sn.Buckets {
		for _, ent := range b.Entries {
			addr, err := krpc.DecodeCompactPeer(string(ent.Addr))
			if err != nil {
				continue
			}
			e.table.Observe(ent.ID, addr, now)
		}
	}

	peerData := make(map[[20]byte][]store.PeerRecord, len(sn.Peers))
	for _, sih := range sn.Peers {
		var recs []store.PeerRecord
		for _, sp := range sih.Peers {
			addr, err := krpc.DecodeCompactPeer(string(sp.Addr))
			if err != nil {
				continue
			}
			recs = append(recs, store.PeerRecord{Addr: addr, Expire: time.Unix(sp.Expire, 0)})
		}
		peerData[[20]byte(sih.InfoHash)] = recs
	}
	e.peers.Restore(peerData)

	items := make([]*store.PutItem, 0, len(sn.Items))
	for _, si := range sn.Items {
		items = append(items, &store.PutItem{
			Hash:   [20]byte(si.Hash),
			K:      si.K,
			Salt:   si.Salt,
			Seq:    si.Seq,
			Sig:    si.Sig,
			V:      si.V,
			Expire: time.Unix(si.Expire, 0),
		})
	}
	e.puts.Restore(items)
	return nil
}

// saveAtomic writes path under fsys via a temp-file-then-rename swap, so a
// concurrent reader never observes a torn write (spec.md §5), mirroring
// accounts/key.go's writeKeyFile in the teacher. write is handed the temp
// file to fill.
func saveAtomic(fsys afero.Fs, path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	tmp, err := afero.TempFile(fsys, dir, "."+filepath.Base(path)+".tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if err := write(tmp); err != nil {
		tmp.Close()
		fsys.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		fsys.Remove(name)
		return err
	}
	return fsys.Rename(name, path)
}

// SaveToFile writes the engine's save file to path under fsys. It is the
// entry point for external callers (cmd/dhtnode, tests); the event loop's
// own periodic save uses saveToFileLocked instead, since it already holds
// e.mu by the time it runs.
func SaveToFile(fsys afero.Fs, path string, e *Engine) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return saveAtomic(fsys, path, e.saveLocked)
}

// saveToFileLocked is SaveToFile's body for callers that already hold
// e.mu (the event loop's periodic save inside advance()).
func (e *Engine) saveToFileLocked(path string) error {
	return saveAtomic(e.fs, path, e.saveLocked)
}

// LoadFromFile reads and applies the save file at path under fsys. A
// missing file is not an error (first run against a fresh data directory),
// and any other error opening the file is returned. Once the file is open,
// a read, decode, or version-mismatch error is logged as a warning and
// treated as "start fresh" rather than fatal, per spec.md §6.
func LoadFromFile(fsys afero.Fs, path string, e *Engine) error {
	f, err := fsys.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	if err := e.Load(f); err != nil {
		glog.V(logger.Warn).Warnf("dht: discarding save file %s: %v", path, err)
	}
	return nil
}

// PeekOwnID reads just the "id" field of a save file, letting a node reuse
// its previous identifier (spec.md §3: "retains its id across restarts via
// the save file") before constructing the Engine that will later Load the
// rest of the file's contents.
func PeekOwnID(fsys afero.Fs, path string) (krpc.ID, bool) {
	buf, err := afero.ReadFile(fsys, path)
	if err != nil {
		return krpc.ID{}, false
	}
	var sn savedNode
	if err := bencode.Unmarshal(buf, &sn); err != nil || sn.Version != SaveFileVersion {
		return krpc.ID{}, false
	}
	return sn.ID, true
}
