package rooms

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"github.com/MarcoPoloResearchLab/peerchat/internal/blobs"
	"go.uber.org/zap"
)

const (
	previewsDirName  = "previews"
	downloadsDirName = "downloads"
	maxUploadBytes   = 64 << 20
)

// UploadFile stores data in the room's blob store. Peers can fetch it once
// a message referencing the returned ref replicates.
func (m *Manager) UploadFile(ctx context.Context, roomID, name string, data []byte, mimeType string) (blobs.AttachmentRef, error) {
	opened, err := m.lookup(opUploadFile, roomID)
	if err != nil {
		return blobs.AttachmentRef{}, err
	}
	name = sanitizeFileName(name)
	if len(data) == 0 || len(data) > maxUploadBytes {
		return blobs.AttachmentRef{}, newServiceError(opUploadFile, "invalid_size", ErrInvalidRequest)
	}
	ref, err := opened.transfer.Upload(ctx, data, name, blobs.UploadOptions{MimeType: mimeType})
	if err != nil {
		m.logError(opUploadFile, "store_failed", err, zap.String("room_id", roomID))
		return blobs.AttachmentRef{}, newServiceError(opUploadFile, "store_failed", err)
	}
	return ref, nil
}

// DownloadFile fetches the attachment behind ref. Previews land in the
// preview cache, everything else in the downloads directory. Progress is
// reported through onProgress; CancelDownload with ref.BlobID or the end of
// ctx aborts it.
func (m *Manager) DownloadFile(ctx context.Context, roomID string, ref blobs.AttachmentRef, preview bool, onProgress blobs.ProgressFunc) (DownloadResult, error) {
	opened, err := m.lookup(opDownloadFile, roomID)
	if err != nil {
		return DownloadResult{}, err
	}
	if ref.BlobID == "" || ref.CoreID == "" {
		return DownloadResult{}, newServiceError(opDownloadFile, "invalid_attachment", ErrInvalidRequest)
	}

	controller, release, err := opened.trackDownload(ref.BlobID)
	if err != nil {
		return DownloadResult{}, newServiceError(opDownloadFile, "in_progress", err)
	}
	defer release()

	// The request context drives the same abort as CancelDownload, so a
	// caller that gives up before or during the transfer sees a cancellation.
	if ctx.Err() != nil {
		controller.Abort()
	}
	stopWatch := context.AfterFunc(ctx, controller.Abort)
	defer stopWatch()

	path, err := opened.transfer.Download(context.WithoutCancel(ctx), ref, m.destination(ref, preview), blobs.DownloadOptions{
		Timeout:    m.downloadTimeout,
		OnProgress: onProgress,
		Signal:     controller.Signal(),
	})
	if errors.Is(err, blobs.ErrCancelled) {
		return DownloadResult{}, newServiceError(opDownloadFile, "cancelled", err)
	}
	if err != nil {
		m.logError(opDownloadFile, "transfer_failed", err,
			zap.String("room_id", roomID),
			zap.String("blob_id", ref.BlobID))
		return DownloadResult{}, newServiceError(opDownloadFile, "transfer_failed", err)
	}
	return DownloadResult{Path: path, Preview: preview}, nil
}

// CancelDownload aborts the running download of attachmentID. It reports
// whether a download was running.
func (m *Manager) CancelDownload(ctx context.Context, roomID, attachmentID string) (bool, error) {
	opened, err := m.lookup(opCancelDownload, roomID)
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(attachmentID) == "" {
		return false, newServiceError(opCancelDownload, "missing_attachment_id", ErrInvalidRequest)
	}
	cancelled := opened.cancelDownload(attachmentID)
	m.logger.Debug("download cancel requested",
		zap.String("room_id", roomID),
		zap.String("attachment_id", attachmentID),
		zap.Bool("running", cancelled))
	return cancelled, nil
}

func (m *Manager) destination(ref blobs.AttachmentRef, preview bool) string {
	if preview {
		return filepath.Join(m.dataDir, previewsDirName, ref.BlobID+filepath.Ext(sanitizeFileName(ref.Name)))
	}
	return filepath.Join(m.dataDir, downloadsDirName, ref.BlobID[:min(len(ref.BlobID), 12)]+"-"+sanitizeFileName(ref.Name))
}

func sanitizeFileName(name string) string {
	clean := filepath.Base(filepath.Clean(strings.ReplaceAll(name, "\\", "/")))
	if clean == "." || clean == ".." || clean == "/" || clean == "" {
		return "unnamed"
	}
	return clean
}
