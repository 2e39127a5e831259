package gateway

import (
	"context"

	"github.com/websoft9/deskgate/internal/remotefs"
	"github.com/websoft9/deskgate/internal/sshconn"
	"github.com/websoft9/deskgate/internal/terminal"
)

// Connector opens the SSH connection for a session.
type Connector interface {
	Connect(ctx context.Context, creds sshconn.Credentials) (Remote, error)
}

// Remote is an authenticated SSH connection owned by one session.
type Remote interface {
	OpenShell(opts terminal.Options) (terminal.Shell, error)
	OpenFS(opts ...remotefs.Option) (*remotefs.Client, error)
	// Done is closed when the transport ends for any reason.
	Done() <-chan struct{}
	Close() error
}

// SSHConnector dials real SSH servers.
type SSHConnector struct {
	Dialer *sshconn.Dialer
}

func (c SSHConnector) Connect(ctx context.Context, creds sshconn.Credentials) (Remote, error) {
	d := c.Dialer
	if d == nil {
		d = &sshconn.Dialer{}
	}
	conn, err := d.Dial(ctx, creds)
	if err != nil {
		return nil, err
	}
	return sshRemote{conn}, nil
}

type sshRemote struct {
	*sshconn.Conn
}

func (r sshRemote) OpenShell(opts terminal.Options) (terminal.Shell, error) {
	return terminal.Open(r.Client(), opts)
}

func (r sshRemote) OpenFS(opts ...remotefs.Option) (*remotefs.Client, error) {
	return remotefs.Open(r.Client(), opts...)
}

var _ Connector = SSHConnector{}
