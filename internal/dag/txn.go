package dag

import (
	"github.com/systemshift/pagesync/internal/kv"
)

// txn is one atomic insertion being assembled on the page queue. Nothing in
// it is visible to readers until batch executes.
type txn struct {
	batch   kv.Batch
	objects map[ObjectDigest]bool
	commits map[CommitID]*Commit
	added   []*Commit
}

func newTxn(db kv.Db) *txn {
	return &txn{
		batch:   db.NewBatch(),
		objects: make(map[ObjectDigest]bool),
		commits: make(map[CommitID]*Commit),
	}
}
