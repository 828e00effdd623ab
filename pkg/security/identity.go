package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// secretBytes is the keeper secret width: 256 bits.
const secretBytes = 32

// Identity is a keeper's signing authority. The secret is generated on
// first start and persisted under the data directory; every outbound
// provider request and on-chain update carries an HMAC-SHA256 over its
// canonical form.
type Identity struct {
	KeeperID string
	secret   []byte
}

// LoadOrCreate returns the identity persisted under dataDir, creating
// and persisting a fresh 256-bit secret when none exists.
func LoadOrCreate(dataDir, keeperID string) (*Identity, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	path := filepath.Join(dataDir, "identity.key")

	data, err := os.ReadFile(path)
	if err == nil {
		secret, decErr := hex.DecodeString(string(data))
		if decErr != nil || len(secret) != secretBytes {
			return nil, fmt.Errorf("failed to load identity: corrupt key file %s", path)
		}
		return &Identity{KeeperID: keeperID, secret: secret}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read identity key: %w", err)
	}

	secret := make([]byte, secretBytes)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate identity secret: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(secret)), 0600); err != nil {
		return nil, fmt.Errorf("failed to persist identity key: %w", err)
	}
	return &Identity{KeeperID: keeperID, secret: secret}, nil
}

// NewIdentity builds an identity from an explicit secret. Used when
// the secret is provisioned out of band (API credentials) and by
// tests.
func NewIdentity(keeperID string, secret []byte) *Identity {
	return &Identity{KeeperID: keeperID, secret: secret}
}

// SignRequest signs one HTTP request: HMAC-SHA256 over
// "method\npath\ntimestamp", hex encoded.
func (i *Identity) SignRequest(method, path string, timestampMs int64) string {
	return i.sign(method + "\n" + path + "\n" + strconv.FormatInt(timestampMs, 10))
}

// SignUpdate signs one on-chain verse update: HMAC-SHA256 over
// "verse\nversion\nprobability", hex encoded. Probability is rendered
// with full float64 precision so the signature is reproducible.
func (i *Identity) SignUpdate(verseID string, version uint64, probability float64) string {
	return i.sign(verseID + "\n" +
		strconv.FormatUint(version, 10) + "\n" +
		strconv.FormatFloat(probability, 'g', -1, 64))
}

// Verify checks a hex signature against the canonical payload.
func (i *Identity) Verify(payload, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, i.secret)
	mac.Write([]byte(payload))
	return hmac.Equal(mac.Sum(nil), want)
}

func (i *Identity) sign(payload string) string {
	mac := hmac.New(sha256.New, i.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
