package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/websoft9/deskgate/internal/audit"
	"github.com/websoft9/deskgate/internal/autosync"
	"github.com/websoft9/deskgate/internal/protocol"
	"github.com/websoft9/deskgate/internal/remotefs"
)

// newTracker creates the session's auto-sync tracker. Settled copies are
// pushed back through the session's SFTP worker so they stay ordered with
// client requests.
func (g *Gateway) newTracker(ctx context.Context, s *Session) *autosync.Tracker {
	return autosync.New(autosync.Config{
		Dir:        g.cfg.SyncDir,
		Debounce:   g.cfg.SyncDebounce,
		NewWatcher: g.newWatcher,
		AfterFunc:  g.afterFunc,
		Logger:     s.log,
	}, func(localPath, remotePath string) {
		go g.enqueue(ctx, s, g.syncUpload(localPath, remotePath))
	})
}

func (g *Gateway) buildSyncOp(msg protocol.Inbound) (op, error) {
	if msg.Type == protocol.TypeStopTracking {
		var p protocol.UntrackPayload
		if err := decodeRequired(msg, &p, &p.LocalPath, "localPath"); err != nil {
			return nil, err
		}
		return g.stopTracking(p.LocalPath), nil
	}
	var p protocol.TrackPayload
	if err := decodeRequired(msg, &p, &p.RemotePath, "remotePath"); err != nil {
		return nil, err
	}
	return g.downloadAndTrack(p.RemotePath), nil
}

// downloadAndTrack copies remotePath into a private local directory and
// watches it for edits.
func (g *Gateway) downloadAndTrack(remotePath string) op {
	return func(ctx context.Context, s *Session) {
		local, n, err := g.fetchCopy(s, remotePath)
		if ctx.Err() != nil {
			return
		}
		entry := audit.Entry{
			SessionID: s.ID,
			Variant:   string(s.Variant),
			Action:    "sync.track",
			Host:      s.host,
			User:      s.user,
			Target:    remotePath,
			IP:        s.ClientIP,
			Status:    audit.StatusSuccess,
			Bytes:     n,
		}
		if err != nil {
			entry.Status, entry.Error = audit.StatusFailed, err.Error()
			g.audit.Write(entry)
			s.sendErr(err)
			return
		}
		g.audit.Write(entry)
		s.log.Info().Str("local", local).Str("remote", remotePath).Msg("tracking remote file")
		_ = s.send(protocol.Downloaded(local, remotePath))
	}
}

func (g *Gateway) fetchCopy(s *Session, remotePath string) (string, int64, error) {
	local, err := s.tracker.Prepare(remotePath)
	if err != nil {
		return "", 0, err
	}
	f, err := os.Create(local)
	if err != nil {
		s.tracker.Discard(local)
		return "", 0, fmt.Errorf("local copy: %w", err)
	}
	n, err := s.fs.Download(remotePath, f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("local copy: %w", cerr)
	}
	if err != nil {
		s.tracker.Discard(local)
		return "", 0, err
	}
	if err := s.tracker.Track(local, remotePath); err != nil {
		return "", 0, err
	}
	return local, n, nil
}

func (g *Gateway) stopTracking(localPath string) op {
	return func(ctx context.Context, s *Session) {
		remote, _ := s.tracker.Remote(localPath)
		if err := s.tracker.Untrack(localPath); err != nil {
			if errors.Is(err, autosync.ErrNotTracked) {
				err = protocol.WithCode(protocol.CodeNotFound, err)
			}
			s.sendErr(err)
			return
		}
		_ = s.send(protocol.Success(protocol.OperationSuccess{
			Message: fmt.Sprintf("Stopped tracking %s", remote),
		}))
	}
}

// syncUpload pushes a settled local copy back to its remote path, reporting
// each phase to the client.
func (g *Gateway) syncUpload(localPath, remotePath string) op {
	return func(ctx context.Context, s *Session) {
		if _, ok := s.tracker.Remote(localPath); !ok {
			return
		}
		_ = s.send(protocol.Upload(protocol.UploadStarted, remotePath, ""))
		res, err := g.call(ctx, s, func(fs *remotefs.Client) (opResult, error) {
			return pushCopy(fs, localPath, remotePath)
		})
		if ctx.Err() != nil {
			return
		}
		entry := audit.Entry{
			SessionID: s.ID,
			Variant:   string(s.Variant),
			Action:    "sync.upload",
			Host:      s.host,
			User:      s.user,
			Target:    remotePath,
			IP:        s.ClientIP,
			Status:    audit.StatusSuccess,
			Bytes:     res.bytes,
		}
		if err != nil {
			entry.Status, entry.Error = audit.StatusFailed, err.Error()
			g.audit.Write(entry)
			s.log.Warn().Err(err).Str("remote", remotePath).Msg("sync upload failed")
			_ = s.send(protocol.Upload(protocol.UploadError, remotePath, err.Error()))
			return
		}
		g.audit.Write(entry)
		_ = s.send(protocol.Upload(protocol.UploadComplete, remotePath, ""))
	}
}

func pushCopy(fs *remotefs.Client, localPath, remotePath string) (opResult, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return opResult{}, fmt.Errorf("local copy: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return opResult{}, fmt.Errorf("local copy: %w", err)
	}
	if err := fs.WriteFile(remotePath, f); err != nil {
		return opResult{}, err
	}
	return opResult{target: remotePath, bytes: info.Size()}, nil
}
