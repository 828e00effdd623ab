/*
Package security provides the keeper's signing identity.

Each keeper owns a 256-bit secret, generated on first start and
persisted under the data directory with 0600 permissions. The secret
backs HMAC-SHA256 signatures on both external surfaces:

  - Provider HTTP requests: signed over "method\npath\ntimestamp" and
    carried in the X-VM-SIGNATURE header alongside X-VM-KEY and
    X-VM-TIMESTAMP.
  - On-chain verse updates: signed over "verse\nversion\nprobability"
    so the chain endpoint can attribute every update to a keeper.

# Usage

	identity, err := security.LoadOrCreate(cfg.Keeper.DataDir, keeperID)
	if err != nil {
		return err
	}

	ts := time.Now().UnixMilli()
	sig := identity.SignRequest(http.MethodGet, "/markets", ts)

Signatures are hex encoded and verified with constant-time comparison.

# See Also

  - pkg/provider - request signing headers
  - pkg/chain - update signing
*/
package security
