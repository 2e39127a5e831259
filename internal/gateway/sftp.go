package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/websoft9/deskgate/internal/audit"
	"github.com/websoft9/deskgate/internal/protocol"
	"github.com/websoft9/deskgate/internal/remotefs"
)

// op is a unit of work for the session's SFTP worker.
type op func(ctx context.Context, s *Session)

// opResult is what a successful SFTP call reports back.
type opResult struct {
	out    protocol.Outbound
	target string
	bytes  int64
}

type opFunc func(fs *remotefs.Client) (opResult, error)

var errNoSandbox = errors.New("local file tree is not configured")

// startWorker runs queued operations one at a time in arrival order.
func (g *Gateway) startWorker(ctx context.Context, s *Session) {
	s.ops = make(chan op, opQueueSize)
	s.workerDone = make(chan struct{})
	go func() {
		defer close(s.workerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case o := <-s.ops:
				o(ctx, s)
			}
		}
	}()
}

// enqueue waits for room in the queue. Only goroutines other than the event
// loop may call it.
func (g *Gateway) enqueue(ctx context.Context, s *Session, o op) bool {
	select {
	case s.ops <- o:
		return true
	case <-ctx.Done():
		return false
	}
}

// tryEnqueue queues o without waiting. The event loop must never block on a
// stalled worker.
func (g *Gateway) tryEnqueue(s *Session, o op) bool {
	select {
	case s.ops <- o:
		return true
	default:
		return false
	}
}

// handleSFTP validates a request and queues it. Requests before the
// subsystem is ready fail at once without touching the remote.
func (g *Gateway) handleSFTP(s *Session, msg protocol.Inbound) {
	if !accepts(s.Variant, msg.Type) {
		s.sendErr(protocol.WithCode(protocol.CodeUnknownType, fmt.Errorf("unsupported message type %q", msg.Type)))
		return
	}
	switch s.Mode() {
	case ModeSFTP:
	case ModeUnconnected, ModeConnecting, ModeShell, ModeError, ModeClosed:
		s.sendErr(protocol.ErrNotConnected)
		return
	}
	o, err := g.buildOp(msg)
	if err != nil {
		s.sendErr(err)
		return
	}
	if !g.tryEnqueue(s, o) {
		s.log.Warn().Str("type", msg.Type).Int("pending", len(s.ops)).Msg("sftp queue full")
		s.sendErr(protocol.ErrBusy)
	}
}

// accepts reports whether a session variant serves message type t.
func accepts(v Variant, t string) bool {
	switch t {
	case protocol.TypeList, protocol.TypeGetContent, protocol.TypeUpload, protocol.TypeUploadLocal,
		protocol.TypeDownload, protocol.TypeMove, protocol.TypeRename, protocol.TypeCreateFolder,
		protocol.TypeCreateFile, protocol.TypeDelete:
		return v == VariantSFTP || v == VariantSync
	case protocol.TypeDownloadAndTrack, protocol.TypeStopTracking:
		return v == VariantSync
	}
	return false
}

// buildOp decodes msg into a queued operation.
func (g *Gateway) buildOp(msg protocol.Inbound) (op, error) {
	switch msg.Type {
	case protocol.TypeList:
		var p protocol.PathPayload
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				return nil, fmt.Errorf("%w: list payload: %v", protocol.ErrMalformed, err)
			}
		}
		return g.listOp(p.Path), nil

	case protocol.TypeGetContent:
		var p protocol.PathPayload
		if err := decodeRequired(msg, &p, &p.Path, "path"); err != nil {
			return nil, err
		}
		return g.remoteOp("sftp.read", false, func(fs *remotefs.Client) (opResult, error) {
			content, err := fs.ReadFile(p.Path)
			if err != nil {
				return opResult{}, err
			}
			return opResult{out: protocol.Content(p.Path, content), target: p.Path}, nil
		}), nil

	case protocol.TypeUpload:
		var p protocol.UploadPayload
		if err := protocol.DecodePayload(msg, &p); err != nil {
			return nil, err
		}
		data, err := decodeFileData(p.FileData, p.Encoding)
		if err != nil {
			return nil, err
		}
		return g.remoteOp("sftp.upload", true, func(fs *remotefs.Client) (opResult, error) {
			target, err := fs.Upload(orDot(p.RemoteDir), p.FileName, bytes.NewReader(data), int64(len(data)))
			if err != nil {
				return opResult{}, err
			}
			return opResult{
				out: protocol.Success(protocol.OperationSuccess{
					Message:      fmt.Sprintf("Uploaded %s (%s)", p.FileName, humanize.Bytes(uint64(len(data)))),
					DirToRefresh: orDot(p.RemoteDir),
				}),
				target: target,
				bytes:  int64(len(data)),
			}, nil
		}), nil

	case protocol.TypeUploadLocal:
		var p protocol.UploadLocalPayload
		if err := decodeRequired(msg, &p, &p.LocalPath, "localPath"); err != nil {
			return nil, err
		}
		return g.remoteOp("sftp.upload", true, func(fs *remotefs.Client) (opResult, error) {
			return g.uploadLocal(fs, p)
		}), nil

	case protocol.TypeDownload:
		var p protocol.DownloadPayload
		if err := decodeRequired(msg, &p, &p.RemotePath, "remotePath"); err != nil {
			return nil, err
		}
		return g.remoteOp("sftp.download", true, func(fs *remotefs.Client) (opResult, error) {
			return g.download(fs, p)
		}), nil

	case protocol.TypeMove:
		var p protocol.MovePayload
		if err := decodeRequired(msg, &p, &p.SourcePath, "sourcePath"); err != nil {
			return nil, err
		}
		return g.remoteOp("sftp.move", true, func(fs *remotefs.Client) (opResult, error) {
			target, err := fs.Move(p.SourcePath, orDot(p.DestinationDir))
			if err != nil {
				return opResult{}, err
			}
			return success(target, fmt.Sprintf("Moved %s to %s", path.Base(p.SourcePath), orDot(p.DestinationDir)), path.Dir(p.SourcePath)), nil
		}), nil

	case protocol.TypeRename:
		var p protocol.RenamePayload
		if err := decodeRequired(msg, &p, &p.Path, "path"); err != nil {
			return nil, err
		}
		return g.remoteOp("sftp.rename", true, func(fs *remotefs.Client) (opResult, error) {
			target, err := fs.Rename(p.Path, p.NewName)
			if err != nil {
				return opResult{}, err
			}
			return success(target, fmt.Sprintf("Renamed %s to %s", path.Base(p.Path), p.NewName), path.Dir(p.Path)), nil
		}), nil

	case protocol.TypeCreateFolder, protocol.TypeCreateFile:
		var p protocol.CreatePayload
		if err := protocol.DecodePayload(msg, &p); err != nil {
			return nil, err
		}
		folder := msg.Type == protocol.TypeCreateFolder
		action := "sftp.create_file"
		if folder {
			action = "sftp.create_folder"
		}
		return g.remoteOp(action, true, func(fs *remotefs.Client) (opResult, error) {
			create, kind := fs.CreateFile, "file"
			if folder {
				create, kind = fs.Mkdir, "folder"
			}
			target, err := create(orDot(p.ParentDir), p.Name)
			if err != nil {
				return opResult{}, err
			}
			return success(target, fmt.Sprintf("Created %s %s", kind, p.Name), orDot(p.ParentDir)), nil
		}), nil

	case protocol.TypeDelete:
		var p protocol.DeletePayload
		if err := decodeRequired(msg, &p, &p.Item.Path, "item.path"); err != nil {
			return nil, err
		}
		return g.remoteOp("sftp.delete", true, func(fs *remotefs.Client) (opResult, error) {
			if err := fs.Delete(p.Item.Path); err != nil {
				return opResult{}, err
			}
			return success(p.Item.Path, fmt.Sprintf("Deleted %s", path.Base(p.Item.Path)), path.Dir(p.Item.Path)), nil
		}), nil

	case protocol.TypeDownloadAndTrack, protocol.TypeStopTracking:
		return g.buildSyncOp(msg)
	}
	return nil, protocol.WithCode(protocol.CodeUnknownType, fmt.Errorf("unsupported message type %q", msg.Type))
}

func (g *Gateway) listOp(dir string) op {
	dir = orDot(dir)
	return g.remoteOp("sftp.list", false, func(fs *remotefs.Client) (opResult, error) {
		items, err := fs.List(dir)
		if err != nil {
			return opResult{}, err
		}
		return opResult{out: protocol.List(protocol.ListResult{Path: dir, Items: items}), target: dir}, nil
	})
}

// remoteOp wraps fn with the per-call timeout, the response and an audit
// record for mutating calls.
func (g *Gateway) remoteOp(action string, audited bool, fn opFunc) op {
	return func(ctx context.Context, s *Session) {
		res, err := g.call(ctx, s, fn)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.log.Debug().Err(err).Str("action", action).Msg("sftp operation failed")
			s.sendErr(err)
		} else {
			_ = s.send(res.out)
		}
		if audited {
			entry := audit.Entry{
				SessionID: s.ID,
				Variant:   string(s.Variant),
				Action:    action,
				Host:      s.host,
				User:      s.user,
				Target:    res.target,
				IP:        s.ClientIP,
				Status:    audit.StatusSuccess,
				Bytes:     res.bytes,
			}
			if err != nil {
				entry.Status = audit.StatusFailed
				entry.Error = err.Error()
			}
			g.audit.Write(entry)
		}
	}
}

// call runs fn, giving up after the configured op timeout. An abandoned
// call keeps running until the transport resolves it.
func (g *Gateway) call(ctx context.Context, s *Session, fn opFunc) (opResult, error) {
	if g.cfg.OpTimeout <= 0 {
		return fn(s.fs)
	}
	type result struct {
		res opResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := fn(s.fs)
		done <- result{res, err}
	}()
	timer := time.NewTimer(g.cfg.OpTimeout)
	defer timer.Stop()
	select {
	case r := <-done:
		return r.res, r.err
	case <-timer.C:
		return opResult{}, protocol.WithCode(protocol.CodeTimeout,
			fmt.Errorf("sftp operation timed out after %s: %w", g.cfg.OpTimeout, context.DeadlineExceeded))
	case <-ctx.Done():
		return opResult{}, ctx.Err()
	}
}

func (g *Gateway) uploadLocal(fs *remotefs.Client, p protocol.UploadLocalPayload) (opResult, error) {
	if g.sandbox == nil {
		return opResult{}, errNoSandbox
	}
	f, size, err := g.sandbox.Open(p.LocalPath)
	if err != nil {
		return opResult{}, err
	}
	defer f.Close()
	name := filepath.Base(f.Name())
	target, err := fs.Upload(orDot(p.RemoteDir), name, f, size)
	if err != nil {
		return opResult{}, err
	}
	res := success(target, fmt.Sprintf("Uploaded %s (%s)", name, humanize.Bytes(uint64(size))), orDot(p.RemoteDir))
	res.bytes = size
	return res, nil
}

// download copies a remote file into the local tree. A failed copy leaves
// the partial local file in place.
func (g *Gateway) download(fs *remotefs.Client, p protocol.DownloadPayload) (opResult, error) {
	if g.sandbox == nil {
		return opResult{}, errNoSandbox
	}
	name := p.FileName
	if name == "" {
		name = path.Base(p.RemotePath)
	}
	f, err := g.sandbox.Create(p.LocalDir, name)
	if err != nil {
		return opResult{}, err
	}
	n, err := fs.Download(p.RemotePath, f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("local write %q: %w", name, cerr)
	}
	if err != nil {
		return opResult{}, err
	}
	res := opResult{
		out: protocol.Success(protocol.OperationSuccess{
			Message:      fmt.Sprintf("Downloaded %s (%s)", name, humanize.Bytes(uint64(n))),
			DirToRefresh: orDot(p.LocalDir),
			IsLocal:      true,
		}),
		target: p.RemotePath,
		bytes:  n,
	}
	return res, nil
}

func success(target, message, refresh string) opResult {
	return opResult{
		out:    protocol.Success(protocol.OperationSuccess{Message: message, DirToRefresh: refresh}),
		target: target,
	}
}

// decodeFileData turns an upload body into bytes. Base64 bodies may carry
// a data-URL prefix.
func decodeFileData(data, encoding string) ([]byte, error) {
	switch strings.ToLower(encoding) {
	case "base64":
		if strings.HasPrefix(data, "data:") {
			if i := strings.IndexByte(data, ','); i >= 0 {
				data = data[i+1:]
			}
		}
		b, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, fmt.Errorf("%w: fileData is not valid base64", protocol.ErrMalformed)
		}
		return b, nil
	case "", "utf8", "utf-8", "text":
		return []byte(data), nil
	default:
		return nil, fmt.Errorf("%w: unsupported encoding %q", protocol.ErrMalformed, encoding)
	}
}

// decodeRequired decodes the payload and rejects an empty required field.
func decodeRequired(msg protocol.Inbound, v any, field *string, name string) error {
	if err := protocol.DecodePayload(msg, v); err != nil {
		return err
	}
	if strings.TrimSpace(*field) == "" {
		return fmt.Errorf("%w: %s requires %s", protocol.ErrMalformed, msg.Type, name)
	}
	return nil
}

func orDot(p string) string {
	if p == "" {
		return "."
	}
	return p
}
