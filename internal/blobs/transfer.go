package blobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/MarcoPoloResearchLab/peerchat/internal/abort"
	"github.com/MarcoPoloResearchLab/peerchat/internal/commands"
	"github.com/MarcoPoloResearchLab/peerchat/internal/metrics"
	"github.com/MarcoPoloResearchLab/peerchat/internal/swarm"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

const (
	defaultDownloadTimeout = 2 * time.Minute
	defaultSettleTimeout   = 10 * time.Second
	defaultSettleRound     = 250 * time.Millisecond
	partFileName           = "blob.part"

	progressConnected   = 10
	progressCoreReady   = 15
	progressJoined      = 20
	progressReplicating = 30
	progressStreamFloor = 50
	progressStreamSpan  = 45
	progressComplete    = 100
)

var (
	// ErrCancelled reports a download stopped by its abort signal.
	ErrCancelled = errors.New("blobs: download cancelled")
	// ErrDigestMismatch reports received bytes that do not hash to the blob id.
	ErrDigestMismatch = errors.New("blobs: digest mismatch")
	// ErrRemoteUnavailable reports that no peer serves the referenced core.
	ErrRemoteUnavailable = errors.New("blobs: remote core unavailable")

	errMissingSwarm       = errors.New("blobs: swarm is required")
	errMissingSwarmURL    = errors.New("blobs: swarm url is required")
	errMissingDestination = errors.New("blobs: destination is required")
	errEmptyUpload        = errors.New("blobs: upload is empty")
)

// AttachmentRef is what an upload yields and a download consumes.
type AttachmentRef struct {
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	BlobID    string `json:"blob_id"`
	CoreID    string `json:"core_id"`
	MimeType  string `json:"mime_type,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Attachment converts the ref into its message payload form.
func (r AttachmentRef) Attachment() commands.Attachment {
	return commands.Attachment{Name: r.Name, Size: r.Size, BlobID: r.BlobID, CoreID: r.CoreID, MimeType: r.MimeType}
}

// RefFromAttachment is the inverse of AttachmentRef.Attachment.
func RefFromAttachment(attachment commands.Attachment) AttachmentRef {
	return AttachmentRef{
		Name:     attachment.Name,
		Size:     attachment.Size,
		BlobID:   attachment.BlobID,
		CoreID:   attachment.CoreID,
		MimeType: attachment.MimeType,
	}
}

// ProgressFunc receives download progress in percent with a short label.
type ProgressFunc func(progress int, message string)

// UploadOptions tunes Upload.
type UploadOptions struct {
	MimeType string
}

// DownloadOptions tunes Download.
type DownloadOptions struct {
	Timeout    time.Duration
	OnProgress ProgressFunc
	Signal     *abort.Signal
}

// TransferConfig wires a Transfer.
type TransferConfig struct {
	Store         *Store
	SwarmURL      string
	SettleTimeout time.Duration
	ChunkSize     int
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Transfer uploads into the local store and downloads from it or from peers.
type Transfer struct {
	store         *Store
	swarmURL      string
	settleTimeout time.Duration
	chunkSize     int
	clock         func() time.Time
	logger        *zap.Logger
}

// NewTransfer validates cfg and applies defaults.
func NewTransfer(cfg TransferConfig) (*Transfer, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.SwarmURL == "" {
		return nil, errMissingSwarmURL
	}
	settle := cfg.SettleTimeout
	if settle <= 0 {
		settle = defaultSettleTimeout
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 || chunkSize > maxChunkSize {
		chunkSize = defaultChunkSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transfer{
		store:         cfg.Store,
		swarmURL:      cfg.SwarmURL,
		settleTimeout: settle,
		chunkSize:     chunkSize,
		clock:         clock,
		logger:        logger,
	}, nil
}

// Upload stores data locally. Nothing is sent to peers; they fetch the blob
// once a message referencing it replicates.
func (t *Transfer) Upload(ctx context.Context, data []byte, name string, options UploadOptions) (AttachmentRef, error) {
	if err := ctx.Err(); err != nil {
		return AttachmentRef{}, err
	}
	if len(data) == 0 {
		return AttachmentRef{}, errEmptyUpload
	}
	blobID, err := t.store.Put(data)
	if err != nil {
		return AttachmentRef{}, err
	}
	mimeType := options.MimeType
	if mimeType == "" {
		mimeType = mimetype.Detect(data).String()
	}
	return AttachmentRef{
		Name:      filepath.Base(name),
		Size:      int64(len(data)),
		BlobID:    blobID,
		CoreID:    t.store.CoreID(),
		MimeType:  mimeType,
		Timestamp: t.clock().UnixMilli(),
	}, nil
}

// Download writes the blob behind ref to destination and returns the path.
// Blobs owned by the local core are copied directly; others are streamed
// from whichever peer serves ref.CoreID.
func (t *Transfer) Download(ctx context.Context, ref AttachmentRef, destination string, options DownloadOptions) (string, error) {
	if destination == "" {
		return "", errMissingDestination
	}
	if !validBlobID(ref.BlobID) {
		return "", ErrInvalidBlobID
	}
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = defaultDownloadTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	run := &download{
		transfer:    t,
		ref:         ref,
		destination: destination,
		signal:      options.Signal,
		onProgress:  options.OnProgress,
		logger:      t.logger.With(zap.String("blob_id", ref.BlobID), zap.String("core_id", ref.CoreID)),
	}
	path, outcome, err := run.execute(ctx)
	metrics.IncDownload(outcome)
	return path, err
}

// download is the state of one Download call. cleanup releases everything
// it acquired regardless of how execute ended.
type download struct {
	transfer    *Transfer
	ref         AttachmentRef
	destination string
	signal      *abort.Signal
	onProgress  ProgressFunc
	logger      *zap.Logger

	peer    *swarm.Swarm
	joined  bool
	tempDir string
	part    *os.File
}

func (d *download) execute(ctx context.Context) (string, string, error) {
	defer d.cleanup()

	if d.ref.CoreID == d.transfer.store.CoreID() {
		if _, ok := d.transfer.store.Has(d.ref.BlobID); ok {
			if err := d.local(); err != nil {
				return "", metrics.OutcomeFailed, err
			}
			return d.destination, metrics.OutcomeLocal, nil
		}
	}

	err := d.remote(ctx)
	switch {
	case err == nil:
		return d.destination, metrics.OutcomeRemote, nil
	case errors.Is(err, ErrCancelled):
		d.logger.Info("blob download cancelled")
		return "", metrics.OutcomeCancelled, err
	default:
		d.logger.Warn("blob download failed", zap.Error(err))
		return "", metrics.OutcomeFailed, err
	}
}

func (d *download) local() error {
	source, err := d.transfer.store.Path(d.ref.BlobID)
	if err != nil {
		return err
	}
	d.progress(progressComplete, "local")
	if err := ensureParent(d.destination); err != nil {
		return err
	}
	return copyAtomic(source, d.destination)
}

func (d *download) remote(ctx context.Context) error {
	if err := d.checkpoint(ctx); err != nil {
		return err
	}
	peer, err := swarm.Dial(ctx, swarm.Config{URL: d.transfer.swarmURL, Name: "peerchat-download", Logger: d.logger})
	if err != nil {
		return d.interrupted(ctx, fmt.Errorf("%w: %w", ErrRemoteUnavailable, err))
	}
	d.peer = peer
	d.progress(progressConnected, "core connected")

	if err := d.checkpoint(ctx); err != nil {
		return err
	}
	if err := ensureParent(d.destination); err != nil {
		return err
	}
	d.tempDir, err = os.MkdirTemp(filepath.Dir(d.destination), ".download-*")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	d.part, err = os.Create(filepath.Join(d.tempDir, partFileName))
	if err != nil {
		return fmt.Errorf("create part file: %w", err)
	}
	d.progress(progressCoreReady, "core ready")

	if err := d.checkpoint(ctx); err != nil {
		return err
	}
	if err := d.peer.Join(ctx, d.ref.CoreID); err != nil {
		return d.interrupted(ctx, err)
	}
	d.joined = true
	d.progress(progressJoined, "rendezvous joined")

	if err := d.checkpoint(ctx); err != nil {
		return err
	}
	d.progress(progressReplicating, "replication started")

	watched, release := abort.WithSignal(ctx, d.signal)
	defer release()

	settleCtx, settleCancel := context.WithTimeout(watched, d.transfer.settleTimeout)
	_, err = d.peer.WaitForPeers(settleCtx, d.ref.CoreID, defaultSettleRound)
	settleCancel()
	if err != nil {
		return d.interrupted(watched, fmt.Errorf("%w: %w", ErrRemoteUnavailable, err))
	}

	if err := d.checkpoint(watched); err != nil {
		return err
	}
	size, err := d.remoteSize(watched)
	if err != nil {
		return d.interrupted(watched, err)
	}
	if err := d.stream(watched, size); err != nil {
		return d.interrupted(watched, err)
	}
	if err := d.finish(); err != nil {
		return err
	}
	d.progress(progressComplete, "complete")
	return nil
}

func (d *download) remoteSize(ctx context.Context) (int64, error) {
	request, err := json.Marshal(infoRequest{BlobID: d.ref.BlobID})
	if err != nil {
		return 0, err
	}
	data, err := d.peer.Request(ctx, swarm.Subject(d.ref.CoreID, verbInfo), request)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrRemoteUnavailable, err)
	}
	var reply infoReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return 0, fmt.Errorf("decode blob info: %w", err)
	}
	if !reply.Found {
		return 0, ErrBlobNotFound
	}
	return reply.Size, nil
}

func (d *download) stream(ctx context.Context, size int64) error {
	subject := swarm.Subject(d.ref.CoreID, verbChunk)
	var written int64
	for {
		if err := d.checkpoint(ctx); err != nil {
			return err
		}
		request, err := json.Marshal(chunkRequest{BlobID: d.ref.BlobID, Offset: written, Length: d.transfer.chunkSize})
		if err != nil {
			return err
		}
		data, err := d.peer.Request(ctx, subject, request)
		if err != nil {
			return fmt.Errorf("fetch chunk at %d: %w", written, err)
		}
		var reply chunkReply
		if err := json.Unmarshal(data, &reply); err != nil {
			return fmt.Errorf("decode chunk at %d: %w", written, err)
		}
		if reply.Error != "" {
			return fmt.Errorf("fetch chunk at %d: %s", written, reply.Error)
		}
		if _, err := d.part.Write(reply.Data); err != nil {
			return fmt.Errorf("write part file: %w", err)
		}
		written += int64(len(reply.Data))
		d.progress(streamProgress(written, size), "downloading")
		if reply.EOF || written >= size || len(reply.Data) == 0 {
			break
		}
	}
	if written != size {
		return fmt.Errorf("%w: received %d of %d bytes", ErrDigestMismatch, written, size)
	}
	return nil
}

// finish verifies the part file and moves it to the destination.
func (d *download) finish() error {
	if err := d.part.Sync(); err != nil {
		return fmt.Errorf("sync part file: %w", err)
	}
	if _, err := d.part.Seek(0, io.SeekStart); err != nil {
		return err
	}
	hash := sha256.New()
	if _, err := io.Copy(hash, d.part); err != nil {
		return fmt.Errorf("hash part file: %w", err)
	}
	if hex.EncodeToString(hash.Sum(nil)) != d.ref.BlobID {
		return ErrDigestMismatch
	}
	partPath := d.part.Name()
	if err := d.part.Close(); err != nil {
		return err
	}
	d.part = nil
	if err := os.Rename(partPath, d.destination); err != nil {
		return fmt.Errorf("move into destination: %w", err)
	}
	return nil
}

func streamProgress(written, size int64) int {
	if size <= 0 {
		return progressStreamFloor + progressStreamSpan
	}
	progress := progressStreamFloor + int(progressStreamSpan*written/size)
	return min(max(progress, progressStreamFloor), progressStreamFloor+progressStreamSpan)
}

// checkpoint reports ErrCancelled once the signal fired and ctx errors once
// the deadline passed.
func (d *download) checkpoint(ctx context.Context) error {
	if d.signal.Aborted() || abort.Cause(ctx) {
		return ErrCancelled
	}
	return ctx.Err()
}

// interrupted replaces err with ErrCancelled when the signal caused it.
func (d *download) interrupted(ctx context.Context, err error) error {
	if d.signal.Aborted() || abort.Cause(ctx) {
		return ErrCancelled
	}
	return err
}

func (d *download) progress(progress int, message string) {
	if d.onProgress != nil {
		d.onProgress(progress, message)
	}
}

func (d *download) cleanup() {
	if d.part != nil {
		_ = d.part.Close()
		d.part = nil
	}
	if d.peer != nil {
		if d.joined {
			_ = d.peer.Leave(d.ref.CoreID)
		}
		d.peer.Destroy()
		d.peer = nil
	}
	if d.tempDir != "" {
		if err := os.RemoveAll(d.tempDir); err != nil {
			d.logger.Warn("blob temp dir not removed", zap.String("path", d.tempDir), zap.Error(err))
		}
		d.tempDir = ""
	}
}

func ensureParent(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}
	return nil
}
