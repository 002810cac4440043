package dag

import (
	"fmt"
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/systemshift/pagesync/internal/codec"
)

// Commit is an immutable snapshot of a page plus its lineage. Parents are
// referenced by id; the DAG lives in the CommitStore.
type Commit struct {
	ID         CommitID
	ParentIDs  []CommitID
	Generation uint64
	Timestamp  time.Time
	RootID     ObjectIdentifier
	// StorageBytes is the canonical encoding; ID is derived from it.
	StorageBytes []byte
}

// commitRecord is the stored and transmitted form of a commit.
type commitRecord struct {
	V       int      `cbor:"v"`
	Parents [][]byte `cbor:"p"`
	Gen     uint64   `cbor:"g"`
	Time    int64    `cbor:"t"` // unix nanoseconds
	Root    []byte   `cbor:"r"`
}

const maxParents = 2

// IsMerge reports whether c reconciles two heads.
func (c *Commit) IsMerge() bool {
	return len(c.ParentIDs) == 2
}

// IsRoot reports whether c is the page's root commit.
func (c *Commit) IsRoot() bool {
	return len(c.ParentIDs) == 0
}

func (c *Commit) String() string {
	return fmt.Sprintf("%s@%d", ShortID(c.ID), c.Generation)
}

// NewCommit builds a commit on top of one parent, or two for a merge.
func NewCommit(parents []*Commit, root ObjectIdentifier, ts time.Time) (*Commit, error) {
	if len(parents) == 0 || len(parents) > maxParents {
		return nil, errors.Mark(errors.Newf("commit needs 1 or %d parents, got %d", maxParents, len(parents)), ErrInternal)
	}
	var gen uint64
	ids := make([]CommitID, 0, len(parents))
	for _, p := range parents {
		if p.Generation > gen {
			gen = p.Generation
		}
		ids = append(ids, p.ID)
	}
	return buildCommit(ids, gen+1, root, ts)
}

func buildCommit(parents []CommitID, gen uint64, root ObjectIdentifier, ts time.Time) (*Commit, error) {
	sorted := make([]CommitID, len(parents))
	copy(sorted, parents)
	sort.Slice(sorted, func(i, j int) bool { return CompareIDs(sorted[i], sorted[j]) < 0 })

	rec := commitRecord{
		V:       1,
		Parents: make([][]byte, 0, len(sorted)),
		Gen:     gen,
		Time:    ts.UnixNano(),
		Root:    root.Digest.Bytes(),
	}
	for _, p := range sorted {
		rec.Parents = append(rec.Parents, p.Bytes())
	}
	data, err := codec.Marshal(rec)
	if err != nil {
		return nil, errors.Wrap(err, "encode commit")
	}
	id, err := computeCommitID(data)
	if err != nil {
		return nil, err
	}
	return &Commit{
		ID:           id,
		ParentIDs:    sorted,
		Generation:   gen,
		Timestamp:    time.Unix(0, rec.Time).UTC(),
		RootID:       root,
		StorageBytes: data,
	}, nil
}

var rootCommit = mustRootCommit()

func mustRootCommit() *Commit {
	c, err := buildCommit(nil, 0, emptyTreeID, time.Unix(0, 0))
	if err != nil {
		panic("dag: root commit encoding failed: " + err.Error())
	}
	return c
}

// RootCommit returns the page's first commit: no parents, generation 0, the
// empty tree. It is the same on every replica.
func RootCommit() *Commit {
	c := *rootCommit
	return &c
}

// DecodeCommit parses storage bytes and checks everything about the commit
// that does not need the DAG. Failures are marked ErrInvalidCommit.
func DecodeCommit(data []byte) (*Commit, error) {
	var rec commitRecord
	if err := codec.Unmarshal(data, &rec); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decode commit"), ErrInvalidCommit)
	}
	if rec.V != 1 {
		return nil, invalidCommit("unsupported commit version %d", rec.V)
	}
	if len(rec.Parents) > maxParents {
		return nil, invalidCommit("commit has %d parents", len(rec.Parents))
	}
	if (len(rec.Parents) == 0) != (rec.Gen == 0) {
		return nil, invalidCommit("generation %d with %d parents", rec.Gen, len(rec.Parents))
	}
	parents := make([]CommitID, 0, len(rec.Parents))
	for i, raw := range rec.Parents {
		p, err := castCID(raw)
		if err != nil {
			return nil, errors.Mark(err, ErrInvalidCommit)
		}
		if i > 0 && CompareIDs(parents[i-1], p) >= 0 {
			return nil, invalidCommit("parents not strictly ordered")
		}
		parents = append(parents, p)
	}
	root, err := castCID(rec.Root)
	if err != nil {
		return nil, errors.Mark(err, ErrInvalidCommit)
	}
	id, err := computeCommitID(data)
	if err != nil {
		return nil, errors.Mark(err, ErrInvalidCommit)
	}
	for _, p := range parents {
		if p.Equals(id) {
			return nil, invalidCommit("commit is its own parent")
		}
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	return &Commit{
		ID:           id,
		ParentIDs:    parents,
		Generation:   rec.Gen,
		Timestamp:    time.Unix(0, rec.Time).UTC(),
		RootID:       ObjectIdentifier{Digest: root},
		StorageBytes: stored,
	}, nil
}

// CompareCommits orders commits by (generation, id). Every replica computes
// the same order.
func CompareCommits(a, b *Commit) int {
	switch {
	case a.Generation < b.Generation:
		return -1
	case a.Generation > b.Generation:
		return 1
	}
	return CompareIDs(a.ID, b.ID)
}

// SortCommits sorts commits by (generation, id).
func SortCommits(commits []*Commit) {
	sort.Slice(commits, func(i, j int) bool { return CompareCommits(commits[i], commits[j]) < 0 })
}
