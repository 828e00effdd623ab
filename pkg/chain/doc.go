/*
Package chain is the coordinator's on-chain write surface.

The keeper fleet never interprets settlement logic; it only issues two
opaque, signed JSON-RPC 2.0 calls with idempotent semantics per
(verse, version):

  - updateVerseProb(verse_id, version, probability)
  - markResolution(market_id, resolution)

Every update carries the keeper's id and an HMAC-SHA256 signature over
"verse\nversion\nprobability" so the endpoint can attribute writes.
Calls time out after 10 s; a rejected update is counted against the
owning keeper and pushed onto the shared retry queue by the caller.

Updater is the interface; RPCClient the HTTP implementation. Tests
substitute an in-memory Updater.

# See Also

  - pkg/ingest - the engine issuing aggregate updates
  - pkg/security - update signing
*/
package chain
