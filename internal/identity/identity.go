// Package identity holds the device keypair. Its did:key is the device id
// peers see on the mesh, and its signature authenticates the handshake.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/multiformats/go-multibase"
)

const didKeyPrefix = "did:key:"

// ed25519Multicodec is the multicodec prefix for Ed25519 public keys (0xED01).
var ed25519Multicodec = []byte{0xed, 0x01}

// Identity holds an Ed25519 keypair and the derived DID.
type Identity struct {
	DID        string `json:"did"`
	PublicKey  string `json:"public_key"`  // base64, 32 bytes
	PrivateKey string `json:"private_key"` // base64, 32-byte seed
}

// Load reads the identity file at path, generating and saving a new one if
// it does not exist.
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var id Identity
		if err := json.Unmarshal(data, &id); err != nil {
			return nil, errors.Wrap(err, "parse identity")
		}
		if _, err := id.SigningKey(); err != nil {
			return nil, err
		}
		return &id, nil
	}
	if !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "read identity")
	}

	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errors.Wrap(err, "create identity dir")
	}
	data, err = json.MarshalIndent(id, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "marshal identity")
	}
	if err := SafeWrite(path, data, 0600); err != nil {
		return nil, errors.Wrap(err, "write identity")
	}
	return id, nil
}

// Generate creates a fresh identity without persisting it.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate key")
	}
	return &Identity{
		DID:        EncodeDIDKey(pub),
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
		PrivateKey: base64.StdEncoding.EncodeToString(priv.Seed()),
	}, nil
}

// SigningKey returns the private key. It fails if the stored seed does not
// match the stored DID.
func (id *Identity) SigningKey() (ed25519.PrivateKey, error) {
	seed, err := base64.StdEncoding.DecodeString(id.PrivateKey)
	if err != nil {
		return nil, errors.Wrap(err, "decode seed")
	}
	if len(seed) != ed25519.SeedSize {
		return nil, errors.Newf("seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	if EncodeDIDKey(priv.Public().(ed25519.PublicKey)) != id.DID {
		return nil, errors.New("identity seed does not match its DID")
	}
	return priv, nil
}

// VerifyKey returns the public key.
func (id *Identity) VerifyKey() (ed25519.PublicKey, error) {
	pub, err := base64.StdEncoding.DecodeString(id.PublicKey)
	if err != nil {
		return nil, errors.Wrap(err, "decode public key")
	}
	if len(pub) != ed25519.PublicKeySize {
		return nil, errors.Newf("public key is %d bytes, want %d", len(pub), ed25519.PublicKeySize)
	}
	return pub, nil
}

// Sign signs msg with the identity's key.
func (id *Identity) Sign(msg []byte) ([]byte, error) {
	priv, err := id.SigningKey()
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(priv, msg), nil
}

// EncodeDIDKey encodes a raw Ed25519 public key as did:key:z...
func EncodeDIDKey(pub ed25519.PublicKey) string {
	prefixed := append(append([]byte{}, ed25519Multicodec...), pub...)
	encoded, _ := multibase.Encode(multibase.Base58BTC, prefixed)
	return didKeyPrefix + encoded
}

// DecodeDIDKey extracts the Ed25519 public key from a did:key string.
func DecodeDIDKey(did string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(did, didKeyPrefix+"z") {
		return nil, errors.Newf("not an ed25519 did:key: %q", did)
	}
	enc, raw, err := multibase.Decode(strings.TrimPrefix(did, didKeyPrefix))
	if err != nil {
		return nil, errors.Wrapf(err, "decode did %q", did)
	}
	if enc != multibase.Base58BTC {
		return nil, errors.Newf("did %q is not base58btc", did)
	}
	if len(raw) != len(ed25519Multicodec)+ed25519.PublicKeySize || !bytes.HasPrefix(raw, ed25519Multicodec) {
		return nil, errors.Newf("did %q does not hold an ed25519 key", did)
	}
	return ed25519.PublicKey(raw[len(ed25519Multicodec):]), nil
}

// Verify checks that sig is did's signature of msg.
func Verify(did string, msg, sig []byte) error {
	pub, err := DecodeDIDKey(did)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, msg, sig) {
		return errors.Newf("bad signature from %s", did)
	}
	return nil
}
