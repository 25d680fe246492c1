// Thin orchestration wrappers over Engine.Search/StartAnnounce, mirroring
// dht_get_peers/dht_announce_peer in original_source/include/dht/peers.h.
// spec.md §1 places these procedures out of the core's scope boundary;
// they call only the engine's public Search surface, never its internals.
package dht

import "github.com/dalistudio/libdht/krpc"

// GetPeers starts a get_peers lookup for infoHash and delivers the
// accumulated peer addresses to onComplete exactly once, per spec.md §6.
func GetPeers(e *Engine, infoHash krpc.ID, onComplete func(SearchResult)) SearchHandle {
	return e.Search(infoHash, SearchGetPeers, onComplete)
}

// AnnouncePeer runs a get_peers lookup followed by an announce_peer write
// phase advertising port to the closest responded nodes, per spec.md §4.5.
func AnnouncePeer(e *Engine, infoHash krpc.ID, port int, onComplete func(SearchResult)) SearchHandle {
	return e.StartAnnounce(infoHash, port, onComplete)
}
