package dag

import (
	"context"
	"io"

	"github.com/cockroachdb/errors"
)

// SyncDelegate is how storage reaches other replicas for data it does not
// hold locally. Cloud and peer sync each provide one per page.
type SyncDelegate interface {
	// GetObject streams the object's bytes. The caller checks that size
	// matches the number of bytes drained from data and that the bytes hash
	// to id.
	GetObject(ctx context.Context, id ObjectIdentifier) (size int64, data io.ReadCloser, err error)
	// GetCommits returns the storage bytes of whichever of ids the remote
	// side knows. Unknown ids are skipped, not reported as errors.
	GetCommits(ctx context.Context, ids []CommitID) ([][]byte, error)
}

// MultiDelegate asks each delegate in order and returns the first success.
type MultiDelegate []SyncDelegate

var _ SyncDelegate = MultiDelegate(nil)

func (m MultiDelegate) GetObject(ctx context.Context, id ObjectIdentifier) (int64, io.ReadCloser, error) {
	var errs error
	for _, d := range m {
		size, r, err := d.GetObject(ctx, id)
		if err == nil {
			return size, r, nil
		}
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		errs = errors.CombineErrors(errs, err)
	}
	if errs == nil {
		errs = errors.Mark(errors.Newf("object %s: no sync source", id), ErrNotFound)
	}
	return 0, nil, errs
}

// GetCommits collects commits from each delegate until every id is found.
func (m MultiDelegate) GetCommits(ctx context.Context, ids []CommitID) ([][]byte, error) {
	remaining := make(map[CommitID]bool, len(ids))
	for _, id := range ids {
		remaining[id] = true
	}
	var out [][]byte
	var errs error
	for _, d := range m {
		if len(remaining) == 0 {
			break
		}
		want := make([]CommitID, 0, len(remaining))
		for _, id := range ids {
			if remaining[id] {
				want = append(want, id)
			}
		}
		got, err := d.GetCommits(ctx, want)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			errs = errors.CombineErrors(errs, err)
			continue
		}
		for _, data := range got {
			id, err := computeCommitID(data)
			if err != nil {
				continue
			}
			if remaining[id] {
				delete(remaining, id)
				out = append(out, data)
			}
		}
	}
	if len(out) == 0 && errs != nil {
		return nil, errs
	}
	return out, nil
}
