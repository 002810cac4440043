// Package p2p exchanges commits and objects directly between a user's
// devices. One LedgerCommunicator per ledger shares a Mesh between the
// ledger's pages; each page gets a PageCommunicator.
package p2p

import (
	"github.com/cockroachdb/errors"

	"github.com/systemshift/pagesync/internal/codec"
	"github.com/systemshift/pagesync/internal/dag"
)

// MessageType tags an Envelope.
type MessageType uint8

const (
	// MsgWatchStart asks the receiver to push the page's new commits.
	MsgWatchStart MessageType = iota + 1
	MsgWatchStop
	// MsgHeads advertises the sender's current heads.
	MsgHeads
	MsgCommitsRequest
	// MsgCommits carries commits, either pushed or answering a request,
	// with the objects they newly reference.
	MsgCommits
	MsgObjectRequest
	MsgObjectResponse
)

func (t MessageType) String() string {
	switch t {
	case MsgWatchStart:
		return "watch-start"
	case MsgWatchStop:
		return "watch-stop"
	case MsgHeads:
		return "heads"
	case MsgCommitsRequest:
		return "commits-request"
	case MsgCommits:
		return "commits"
	case MsgObjectRequest:
		return "object-request"
	case MsgObjectResponse:
		return "object-response"
	default:
		return "unknown"
	}
}

// Envelope is the single message shape on the wire. Ids are binary CIDs.
type Envelope struct {
	Type   MessageType `cbor:"t"`
	Ledger string      `cbor:"l"`
	Page   string      `cbor:"p"`
	// RequestID correlates a response with its request. Pushed messages
	// leave it empty.
	RequestID []byte       `cbor:"r,omitempty"`
	IDs       [][]byte     `cbor:"i,omitempty"`
	Commits   [][]byte     `cbor:"c,omitempty"`
	Objects   []WireObject `cbor:"o,omitempty"`
	Found     bool         `cbor:"f,omitempty"`
}

// WireObject is an object and its digest.
type WireObject struct {
	ID   []byte `cbor:"i"`
	Data []byte `cbor:"d"`
}

// EncodeEnvelope serializes e with deterministic CBOR.
func EncodeEnvelope(e *Envelope) ([]byte, error) {
	data, err := codec.Marshal(e)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "encode %s", e.Type), dag.ErrInternal)
	}
	return data, nil
}

// DecodeEnvelope parses a message. Malformed input is dag.ErrInvalidCommit.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := codec.Unmarshal(data, &e); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decode envelope"), dag.ErrInvalidCommit)
	}
	if e.Type < MsgWatchStart || e.Type > MsgObjectResponse {
		return nil, errors.Mark(errors.Newf("unknown message type %d", e.Type), dag.ErrInvalidCommit)
	}
	return &e, nil
}

func encodeIDs(ids []dag.CommitID) [][]byte {
	out := make([][]byte, len(ids))
	for i, id := range ids {
		out[i] = id.Bytes()
	}
	return out
}

// decodeIDs skips ids that do not parse.
func decodeIDs(raw [][]byte) []dag.CommitID {
	out := make([]dag.CommitID, 0, len(raw))
	for _, b := range raw {
		id, err := dag.CastID(b)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out
}
