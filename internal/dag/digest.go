package dag

import (
	"bytes"
	"strings"

	"github.com/cockroachdb/errors"
	gocid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"
)

// ObjectDigest is the content hash of a blob: a CIDv1 with the raw codec and
// a SHA2-256 multihash. It depends on the bytes only.
type ObjectDigest = gocid.Cid

// CommitID is the CIDv1 (dag-cbor codec) of a commit's storage bytes.
type CommitID = gocid.Cid

// ObjectIdentifier locates an object. Equal content always yields an equal
// identifier.
type ObjectIdentifier struct {
	Digest ObjectDigest
}

func (id ObjectIdentifier) String() string {
	return FormatCID(id.Digest)
}

// Defined reports whether id refers to an object.
func (id ObjectIdentifier) Defined() bool {
	return id.Digest.Defined()
}

// ComputeDigest computes the raw-codec SHA2-256 CIDv1 for data.
func ComputeDigest(data []byte) (ObjectDigest, error) {
	return computeCID(gocid.Raw, data)
}

func computeCommitID(data []byte) (CommitID, error) {
	return computeCID(gocid.DagCBOR, data)
}

func computeCID(codec uint64, data []byte) (gocid.Cid, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return gocid.Undef, errors.Wrap(err, "multihash")
	}
	return gocid.NewCidV1(codec, mh), nil
}

// FormatCID returns the base32lower multibase text of a CID.
func FormatCID(c gocid.Cid) string {
	if !c.Defined() {
		return ""
	}
	encoded, _ := multibase.Encode(multibase.Base32, c.Bytes())
	return encoded
}

// ParseCID decodes the text form produced by FormatCID.
func ParseCID(s string) (gocid.Cid, error) {
	_, raw, err := multibase.Decode(strings.TrimSpace(s))
	if err != nil {
		return gocid.Undef, errors.Wrapf(err, "decode cid %q", s)
	}
	return gocid.Cast(raw)
}

// ParseObjectIdentifier decodes the text form of an ObjectIdentifier.
func ParseObjectIdentifier(s string) (ObjectIdentifier, error) {
	c, err := ParseCID(s)
	if err != nil {
		return ObjectIdentifier{}, err
	}
	if c.Type() != gocid.Raw {
		return ObjectIdentifier{}, errors.Newf("cid %s is not a raw object", s)
	}
	return ObjectIdentifier{Digest: c}, nil
}

// castCID decodes binary CID bytes read from storage or the wire.
func castCID(b []byte) (gocid.Cid, error) {
	c, err := gocid.Cast(b)
	if err != nil {
		return gocid.Undef, errors.Wrap(err, "cast cid")
	}
	return c, nil
}

// CastID decodes the binary form of a commit id or object digest, as
// carried by peer messages.
func CastID(b []byte) (gocid.Cid, error) {
	return castCID(b)
}

// CompareIDs orders CIDs by their binary form. Both sides of a sync derive
// ids from content, so this order is the same on every replica.
func CompareIDs(a, b gocid.Cid) int {
	return bytes.Compare(a.Bytes(), b.Bytes())
}

// ShortID is a log-friendly suffix of an id.
func ShortID(c gocid.Cid) string {
	s := FormatCID(c)
	if len(s) > 12 {
		return s[len(s)-12:]
	}
	return s
}
