package cloud

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/systemshift/pagesync/internal/dag"
	"github.com/systemshift/pagesync/internal/queue"
)

// UploadState is the upload direction's state.
type UploadState int32

const (
	UploadIdle UploadState = iota
	UploadWaitingAuthToken
	Uploading
)

func (s UploadState) String() string {
	switch s {
	case UploadWaitingAuthToken:
		return "waiting-auth-token"
	case Uploading:
		return "uploading"
	default:
		return "idle"
	}
}

// DownloadState is the download direction's state.
type DownloadState int32

const (
	DownloadIdle DownloadState = iota
	DownloadFetching
	DownloadApplying
)

func (s DownloadState) String() string {
	switch s {
	case DownloadFetching:
		return "fetching"
	case DownloadApplying:
		return "applying"
	default:
		return "idle"
	}
}

// positionKey is the page sync metadata holding the download position.
const positionKey = "cloud.position"

// Bounds on one AddObjects call during upload.
const (
	uploadBatchObjects = 256
	uploadBatchBytes   = 8 << 20
)

// PageSyncOptions configures a PageSync.
type PageSyncOptions struct {
	Logger      *zap.SugaredLogger
	Credentials CredentialsProvider
	Backoff     BackoffOptions
	// PollInterval is how often the remote log is checked even without a
	// watcher notification. Zero disables polling.
	PollInterval time.Duration
}

// PageSync runs the upload and download state machines of one page. State
// transitions happen on its own serial queue; network calls run on separate
// goroutines and post their completion back to the queue.
type PageSync struct {
	page  *dag.PageStorage
	cloud PageCloud
	creds CredentialsProvider
	log   *zap.SugaredLogger
	poll  time.Duration

	queue      *queue.Serial
	upRetry    *Retrier
	downRetry  *Retrier
	watchRetry *Retrier

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	upload   atomic.Int32
	download atomic.Int32

	// Owned by the queue.
	uploadAgain   bool
	downloadAgain bool

	stopOnce sync.Once
}

var _ dag.SyncDelegate = (*PageSync)(nil)

// NewPageSync creates the sync for page against cloud. Nothing runs until
// Start.
func NewPageSync(page *dag.PageStorage, cloud PageCloud, opts PageSyncOptions) *PageSync {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	creds := opts.Credentials
	if creds == nil {
		creds = StaticCredentials("")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PageSync{
		page:       page,
		cloud:      cloud,
		creds:      creds,
		log:        log.With("page", page.ID()),
		poll:       opts.PollInterval,
		queue:      queue.NewSerial(),
		upRetry:    NewRetrier(opts.Backoff),
		downRetry:  NewRetrier(opts.Backoff),
		watchRetry: NewRetrier(opts.Backoff),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start uploads anything left unsynced, downloads what is new remotely, and
// begins watching both sides.
func (s *PageSync) Start() {
	s.page.AddCommitWatcher(s)
	s.queue.Post(s.startUpload)
	s.queue.Post(s.startDownload)
	s.watch()
	if s.poll > 0 {
		s.wg.Add(1)
		go s.pollLoop()
	}
}

// Close stops both directions. In-flight network calls are cancelled;
// local state stays consistent because each step commits atomically.
func (s *PageSync) Close() {
	s.stopOnce.Do(func() {
		s.page.RemoveCommitWatcher(s)
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
		s.upRetry.Stop()
		s.downRetry.Stop()
		s.watchRetry.Stop()
		s.wg.Wait()
		s.queue.Close()
	})
}

// UploadState reports where the upload direction is.
func (s *PageSync) UploadState() UploadState {
	return UploadState(s.upload.Load())
}

// DownloadState reports where the download direction is.
func (s *PageSync) DownloadState() DownloadState {
	return DownloadState(s.download.Load())
}

// OnNewCommits starts an upload for commits that did not come from the
// cloud.
func (s *PageSync) OnNewCommits(commits []*dag.Commit, source dag.ChangeSource) {
	if source == dag.Cloud {
		return
	}
	s.queue.Post(s.startUpload)
}

// async runs fn off the queue and posts done back to it.
func (s *PageSync) async(fn func() func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		done := fn()
		s.queue.Post(done)
	}()
}

func (s *PageSync) startUpload() {
	if s.ctx.Err() != nil {
		return
	}
	if s.UploadState() != UploadIdle {
		s.uploadAgain = true
		return
	}
	s.upload.Store(int32(UploadWaitingAuthToken))
	s.async(func() func() {
		token, err := authToken(s.ctx, s.creds)
		return func() { s.onUploadToken(token, err) }
	})
}

func (s *PageSync) onUploadToken(token string, err error) {
	if err != nil {
		s.uploadFailed(err)
		return
	}
	s.upload.Store(int32(Uploading))
	s.async(func() func() {
		n, err := s.uploadUnsynced(s.ctx, token)
		return func() { s.onUploaded(n, err) }
	})
}

func (s *PageSync) onUploaded(n int, err error) {
	if err != nil {
		s.uploadFailed(err)
		return
	}
	s.upRetry.Success()
	s.upload.Store(int32(UploadIdle))
	if n > 0 {
		s.log.Debugw("Uploaded commits", "count", n)
	}
	if s.uploadAgain {
		s.uploadAgain = false
		s.startUpload()
	}
}

func (s *PageSync) uploadFailed(err error) {
	s.upload.Store(int32(UploadIdle))
	s.uploadAgain = false
	if s.ctx.Err() != nil {
		return
	}
	if !dag.IsTransient(err) {
		s.log.Errorw("Upload failed", "error", err)
		return
	}
	delay := s.upRetry.Retry(func() { s.queue.Post(s.startUpload) })
	s.log.Infow("Upload failed, retrying", "delay", delay, "error", err)
}

// uploadUnsynced sends objects before the commits that reference them, then
// commits in generation order, marking each step synced only after the
// cloud accepted it.
func (s *PageSync) uploadUnsynced(ctx context.Context, token string) (int, error) {
	ids, err := s.page.UnsyncedObjects(ctx)
	if err != nil {
		return 0, err
	}
	var batch []Object
	var batchBytes int
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.cloud.AddObjects(ctx, token, batch); err != nil {
			return errors.Wrapf(err, "upload %d objects", len(batch))
		}
		for _, o := range batch {
			if err := s.page.MarkObjectSynced(ctx, o.ID); err != nil {
				return err
			}
		}
		batch, batchBytes = batch[:0], 0
		return nil
	}
	for _, id := range ids {
		data, err := s.page.Objects().Get(ctx, id)
		if err != nil {
			return 0, err
		}
		batch = append(batch, Object{ID: id, Data: data})
		batchBytes += len(data)
		if len(batch) >= uploadBatchObjects || batchBytes >= uploadBatchBytes {
			if err := flush(); err != nil {
				return 0, err
			}
		}
	}
	if err := flush(); err != nil {
		return 0, err
	}

	commits, err := s.page.UnsyncedCommits(ctx)
	if err != nil || len(commits) == 0 {
		return 0, err
	}
	data := make([][]byte, len(commits))
	for i, c := range commits {
		data[i] = c.StorageBytes
	}
	if err := s.cloud.AddCommits(ctx, token, data); err != nil {
		return 0, errors.Wrapf(err, "upload %d commits", len(commits))
	}
	if err := s.page.MarkCommitsSynced(ctx, commits); err != nil {
		return 0, err
	}
	return len(commits), nil
}

func (s *PageSync) startDownload() {
	if s.ctx.Err() != nil {
		return
	}
	if s.DownloadState() != DownloadIdle {
		s.downloadAgain = true
		return
	}
	s.download.Store(int32(DownloadFetching))
	s.async(func() func() {
		commits, next, err := s.fetch(s.ctx)
		return func() { s.onFetched(commits, next, err) }
	})
}

func (s *PageSync) fetch(ctx context.Context) ([][]byte, Position, error) {
	token, err := authToken(ctx, s.creds)
	if err != nil {
		return nil, "", err
	}
	pos, err := s.position(ctx)
	if err != nil {
		return nil, "", err
	}
	return s.cloud.GetCommits(ctx, token, pos)
}

func (s *PageSync) position(ctx context.Context) (Position, error) {
	v, err := s.page.GetSyncMetadata(ctx, positionKey)
	if errors.Is(err, dag.ErrNotFound) {
		return "", nil
	}
	return Position(v), err
}

func (s *PageSync) onFetched(commits [][]byte, next Position, err error) {
	if err != nil {
		s.downloadFailed(err)
		return
	}
	s.download.Store(int32(DownloadApplying))
	s.async(func() func() {
		err := s.apply(s.ctx, commits, next)
		return func() { s.onApplied(len(commits), err) }
	})
}

// apply inserts downloaded commits and then saves the position. Malformed
// commits are logged and skipped; they would fail the same way again.
func (s *PageSync) apply(ctx context.Context, commits [][]byte, next Position) error {
	if len(commits) > 0 {
		err := s.page.AddCommitsFromSync(ctx, commits, dag.Cloud)
		if err != nil && !errors.Is(err, dag.ErrInvalidCommit) {
			return err
		}
		if err != nil {
			s.log.Warnw("Skipped invalid remote commits", "error", err)
		}
	}
	return s.page.SetSyncMetadata(ctx, positionKey, []byte(next))
}

func (s *PageSync) onApplied(n int, err error) {
	if err != nil {
		s.downloadFailed(err)
		return
	}
	s.downRetry.Success()
	s.download.Store(int32(DownloadIdle))
	if n > 0 {
		s.log.Debugw("Downloaded commits", "count", n)
	}
	if s.downloadAgain {
		s.downloadAgain = false
		s.startDownload()
	}
}

func (s *PageSync) downloadFailed(err error) {
	s.download.Store(int32(DownloadIdle))
	s.downloadAgain = false
	if s.ctx.Err() != nil {
		return
	}
	if !dag.IsTransient(err) {
		s.log.Errorw("Download failed", "error", err)
		return
	}
	delay := s.downRetry.Retry(func() { s.queue.Post(s.startDownload) })
	s.log.Infow("Download failed, retrying", "delay", delay, "error", err)
}

func (s *PageSync) pollLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.queue.Post(s.startDownload)
		}
	}
}

// watch registers for remote change notifications, retrying with backoff.
func (s *PageSync) watch() {
	s.async(func() func() {
		err := s.setWatcher(s.ctx)
		return func() {
			if err == nil {
				s.watchRetry.Success()
				return
			}
			if s.ctx.Err() != nil {
				return
			}
			if !dag.IsTransient(err) {
				s.log.Warnw("Remote watch unavailable", "error", err)
				return
			}
			delay := s.watchRetry.Retry(s.watch)
			s.log.Infow("Remote watch failed, retrying", "delay", delay, "error", err)
		}
	})
}

func (s *PageSync) setWatcher(ctx context.Context) error {
	token, err := authToken(ctx, s.creds)
	if err != nil {
		return err
	}
	pos, err := s.position(ctx)
	if err != nil {
		return err
	}
	return s.cloud.SetWatcher(ctx, token, pos, remoteWatcher{s})
}

// remoteWatcher turns cloud notifications into download requests.
type remoteWatcher struct {
	s *PageSync
}

func (w remoteWatcher) OnNewCommits([][]byte, Position) {
	w.s.queue.Post(w.s.startDownload)
}

func (w remoteWatcher) OnError(err error) {
	if w.s.ctx.Err() != nil {
		return
	}
	w.s.log.Infow("Remote watch broke", "error", err)
	w.s.watchRetry.Retry(w.s.watch)
}

// GetObject fetches an object from the cloud for the page's object store.
func (s *PageSync) GetObject(ctx context.Context, id dag.ObjectIdentifier) (int64, io.ReadCloser, error) {
	token, err := authToken(ctx, s.creds)
	if err != nil {
		return 0, nil, err
	}
	return s.cloud.GetObject(ctx, token, id)
}

// GetCommits looks ids up in the page's remote log.
func (s *PageSync) GetCommits(ctx context.Context, ids []dag.CommitID) ([][]byte, error) {
	token, err := authToken(ctx, s.creds)
	if err != nil {
		return nil, err
	}
	all, _, err := s.cloud.GetCommits(ctx, token, "")
	if err != nil {
		return nil, err
	}
	want := make(map[dag.CommitID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out [][]byte
	for _, data := range all {
		c, err := dag.DecodeCommit(data)
		if err != nil {
			continue
		}
		if want[c.ID] {
			out = append(out, bytes.Clone(data))
		}
	}
	return out, nil
}
