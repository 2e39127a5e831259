package remotefs

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/pkg/sftp"

	"github.com/websoft9/deskgate/internal/protocol"
)

// SFTP status codes (draft-ietf-secsh-filexfer) that servers use beyond v3.
const (
	fxNoSuchFile        = 2
	fxPermissionDenied  = 3
	fxFailure           = 4
	fxNoSuchPath        = 10
	fxFileAlreadyExists = 11
	fxDirNotEmpty       = 18
)

// translate maps SFTP status errors onto fs and protocol sentinels so callers
// can classify them with errors.Is. Other errors pass through unchanged.
func translate(err error) error {
	var status *sftp.StatusError
	if !errors.As(err, &status) {
		return err
	}
	switch status.Code {
	case fxNoSuchFile, fxNoSuchPath:
		return fs.ErrNotExist
	case fxPermissionDenied:
		return fs.ErrPermission
	case fxFileAlreadyExists:
		return fs.ErrExist
	case fxDirNotEmpty:
		return protocol.ErrNotEmpty
	case fxFailure:
		// OpenSSH and most v3 servers report these as generic failures.
		msg := strings.ToLower(status.Error())
		switch {
		case strings.Contains(msg, "not empty"):
			return protocol.ErrNotEmpty
		case strings.Contains(msg, "exists"):
			return fs.ErrExist
		}
	}
	return err
}
