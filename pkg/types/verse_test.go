package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerseIDRoundTrip(t *testing.T) {
	id := VerseID{0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}

	s := id.String()
	assert.Len(t, s, 32)

	parsed, err := ParseVerseID(s)
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	hi, lo := id.Uint128()
	assert.Equal(t, uint64(0xdeadbeef01020304), hi)
	assert.Equal(t, uint64(0x05060708090a0b0c), lo)
}

func TestParseVerseIDErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not hex", "zz000000000000000000000000000000"},
		{"too short", "deadbeef"},
		{"too long", "deadbeef0102030405060708090a0b0c00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseVerseID(tt.input)
			assert.Error(t, err)
		})
	}
}

func TestVerseIDKeysJSONMaps(t *testing.T) {
	id := VerseID{1}
	m := map[VerseID]int{id: 7}

	raw, err := json.Marshal(m)
	require.NoError(t, err)

	var back map[VerseID]int
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, 7, back[id])
}

func TestDistributionWireFormat(t *testing.T) {
	dist := Distribution{
		{KeeperID: "k1", Markets: []string{"m1", "m2"}},
		{KeeperID: "k2", Markets: []string{}},
	}

	raw, err := json.Marshal(dist)
	require.NoError(t, err)
	assert.JSONEq(t, `[["k1",["m1","m2"]],["k2",[]]]`, string(raw))

	var back Distribution
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, dist, back)
}

func TestDistributionWithout(t *testing.T) {
	dist := Distribution{
		{KeeperID: "k1", Markets: []string{"m1"}},
		{KeeperID: "k2", Markets: []string{"m2", "m3"}},
		{KeeperID: "k3", Markets: []string{}},
	}

	out, removed := dist.Without("k2")
	assert.Equal(t, []string{"m2", "m3"}, removed)
	assert.Equal(t, 1, out.TotalMarkets())
	_, ok := out.Get("k2")
	assert.False(t, ok)

	// Unknown keeper removes nothing.
	out, removed = dist.Without("nope")
	assert.Nil(t, removed)
	assert.Len(t, out, 3)
}

func TestAssignmentContains(t *testing.T) {
	var nilAssignment *Assignment
	assert.False(t, nilAssignment.Contains("m1"))

	a := &Assignment{Markets: []string{"m1", "m2"}}
	assert.True(t, a.Contains("m2"))
	assert.False(t, a.Contains("m3"))
}

func TestHeartbeatErrorRate(t *testing.T) {
	hb := &Heartbeat{Processed: 200, Errors: 30}
	assert.InDelta(t, 0.15, hb.ErrorRate(), 1e-9)

	// Zero processed does not divide by zero.
	hb = &Heartbeat{Errors: 3}
	assert.InDelta(t, 3.0, hb.ErrorRate(), 1e-9)
}
