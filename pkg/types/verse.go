package types

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// VerseID is the 128-bit verse identity: the first 16 bytes of the
// SHA-256 digest of the canonicalized question. The byte form is
// canonical; the hex string and the (hi, lo) integer pair agree bitwise
// with it.
type VerseID [16]byte

// String renders the id as 32 lowercase hex characters.
func (v VerseID) String() string {
	return hex.EncodeToString(v[:])
}

// Uint128 returns the id as a big-endian (hi, lo) pair.
func (v VerseID) Uint128() (hi, lo uint64) {
	return binary.BigEndian.Uint64(v[0:8]), binary.BigEndian.Uint64(v[8:16])
}

// IsZero reports whether the id is all zero bytes.
func (v VerseID) IsZero() bool {
	return v == VerseID{}
}

// MarshalText implements encoding.TextMarshaler so VerseID can key JSON
// maps.
func (v VerseID) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *VerseID) UnmarshalText(b []byte) error {
	id, err := ParseVerseID(string(b))
	if err != nil {
		return err
	}
	*v = id
	return nil
}

// ParseVerseID parses the 32-hex-character form back into a VerseID.
func ParseVerseID(s string) (VerseID, error) {
	var id VerseID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("failed to parse verse id: %w", err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("failed to parse verse id: want %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Verse is an equivalence class of markets sharing a canonical question.
// Aggregate probability is the volume x liquidity weighted mean of the
// member markets' yes prices, 0.5 when total weight is zero. Version
// strictly increases on each successful on-chain update; Clock advances
// on every recompute.
type Verse struct {
	ID        VerseID
	Markets   []string
	Aggregate float64
	UpdatedAt time.Time
	Clock     uint64
	Version   uint64
}

// DistributionEntry is one (keeper, markets) pair of the published
// assignment map. It marshals as a two-element JSON array so the stored
// form is [[keeper_id,[market_id...]], ...].
type DistributionEntry struct {
	KeeperID string
	Markets  []string
}

func (e DistributionEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{e.KeeperID, e.Markets})
}

func (e *DistributionEntry) UnmarshalJSON(b []byte) error {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(b, &pair); err != nil {
		return fmt.Errorf("failed to decode distribution entry: %w", err)
	}
	if err := json.Unmarshal(pair[0], &e.KeeperID); err != nil {
		return fmt.Errorf("failed to decode distribution keeper id: %w", err)
	}
	if err := json.Unmarshal(pair[1], &e.Markets); err != nil {
		return fmt.Errorf("failed to decode distribution market list: %w", err)
	}
	return nil
}

// Distribution is the ordered keeper -> markets map the leader persists
// under keeper:work:distribution.
type Distribution []DistributionEntry

// Get returns the market list for a keeper id.
func (d Distribution) Get(keeperID string) ([]string, bool) {
	for _, e := range d {
		if e.KeeperID == keeperID {
			return e.Markets, true
		}
	}
	return nil, false
}

// Without returns a copy of the distribution with the given keeper
// removed, plus that keeper's market list.
func (d Distribution) Without(keeperID string) (Distribution, []string) {
	out := make(Distribution, 0, len(d))
	var removed []string
	for _, e := range d {
		if e.KeeperID == keeperID {
			removed = e.Markets
			continue
		}
		out = append(out, e)
	}
	return out, removed
}

// TotalMarkets counts markets across all entries.
func (d Distribution) TotalMarkets() int {
	n := 0
	for _, e := range d {
		n += len(e.Markets)
	}
	return n
}
