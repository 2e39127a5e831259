// Package protocol defines the JSON messages exchanged between the browser
// client and the gateway over a WebSocket.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Inbound message types.
const (
	TypeConnect          = "connect"
	TypeDisconnect       = "disconnect"
	TypeData             = "data"
	TypeResize           = "resize"
	TypeList             = "list"
	TypeGetContent       = "get_content"
	TypeUpload           = "upload"
	TypeUploadLocal      = "upload_local"
	TypeDownload         = "download"
	TypeMove             = "move"
	TypeRename           = "rename"
	TypeCreateFolder     = "create_folder"
	TypeCreateFile       = "create_file"
	TypeDelete           = "delete"
	TypeDownloadAndTrack = "download_and_track"
	TypeStopTracking     = "stop_tracking"
)

// Outbound message types.
const (
	TypeStatus           = "status"
	TypeFileContent      = "file_content"
	TypeOperationSuccess = "operation_success"
	TypeError            = "error"
	TypeDownloadComplete = "download_complete"
	TypeUploadStatus     = "upload_status"
)

// Status payload values.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// Upload status phases emitted by auto-sync.
const (
	UploadStarted  = "started"
	UploadComplete = "complete"
	UploadError    = "error"
)

// Entry types in a directory listing.
const (
	EntryFile   = "file"
	EntryFolder = "folder"
)

// DefaultSSHPort is used when the connect payload carries no usable port.
const DefaultSSHPort = 22

// ErrMalformed is returned when an inbound frame is not a valid message.
var ErrMalformed = errors.New("malformed message")

// Inbound is a decoded client frame. Payload is decoded lazily by the
// handler that owns the message type.
type Inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Outbound is a frame sent to the client.
type Outbound struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
	Code    Code   `json:"code,omitempty"`
}

// Decode parses a raw frame.
func Decode(data []byte) (Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Type == "" {
		return Inbound{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return msg, nil
}

// DecodePayload unmarshals the payload of msg into v.
func DecodePayload(msg Inbound, v any) error {
	if len(msg.Payload) == 0 || bytes.Equal(msg.Payload, []byte("null")) {
		return fmt.Errorf("%w: %s requires a payload", ErrMalformed, msg.Type)
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, msg.Type, err)
	}
	return nil
}

// ConnectPayload carries SSH credentials. Rows and Cols are optional initial
// terminal dimensions for the shell endpoint.
type ConnectPayload struct {
	Host       string `json:"host"`
	Port       Port   `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	PrivateKey string `json:"privateKey,omitempty"`
	Rows       int    `json:"rows,omitempty"`
	Cols       int    `json:"cols,omitempty"`
}

// Port accepts a JSON number or numeric string. Anything else, including an
// absent value, resolves to DefaultSSHPort.
type Port int

func (p *Port) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 65535 {
		*p = DefaultSSHPort
		return nil
	}
	*p = Port(n)
	return nil
}

// Int returns the port, applying the default for the zero value.
func (p Port) Int() int {
	if p <= 0 || p > 65535 {
		return DefaultSSHPort
	}
	return int(p)
}

type ResizePayload struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

type PathPayload struct {
	Path string `json:"path"`
}

type UploadPayload struct {
	RemoteDir string `json:"remoteDir"`
	FileName  string `json:"fileName"`
	FileData  string `json:"fileData"`
	Encoding  string `json:"encoding,omitempty"`
}

type UploadLocalPayload struct {
	LocalPath string `json:"localPath"`
	RemoteDir string `json:"remoteDir"`
}

type DownloadPayload struct {
	RemotePath string `json:"remotePath"`
	LocalDir   string `json:"localDir"`
	FileName   string `json:"fileName"`
}

type MovePayload struct {
	SourcePath     string `json:"sourcePath"`
	DestinationDir string `json:"destinationDir"`
}

type RenamePayload struct {
	Path    string `json:"path"`
	NewName string `json:"newName"`
}

type CreatePayload struct {
	ParentDir string `json:"parentDir"`
	Name      string `json:"name"`
}

// Item identifies a remote entry for delete.
type Item struct {
	Path string `json:"path"`
	Type string `json:"type"`
}

type DeletePayload struct {
	Item Item `json:"item"`
}

type TrackPayload struct {
	RemotePath string `json:"remotePath"`
}

type UntrackPayload struct {
	LocalPath string `json:"localPath"`
}

// Entry is one row of a directory listing.
type Entry struct {
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	Type         string    `json:"type"`
	Size         int64     `json:"size"`
	ModifiedTime time.Time `json:"modifiedTime"`
}

type ListResult struct {
	Path  string  `json:"path"`
	Items []Entry `json:"items"`
}

type FileContent struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type OperationSuccess struct {
	Message      string `json:"message"`
	DirToRefresh string `json:"dirToRefresh"`
	IsLocal      bool   `json:"isLocal,omitempty"`
}

type DownloadComplete struct {
	LocalPath  string `json:"localPath"`
	RemotePath string `json:"remotePath"`
}

type UploadStatus struct {
	Status     string `json:"status"`
	RemotePath string `json:"remotePath"`
	Error      string `json:"error,omitempty"`
}

// Status builds a status frame.
func Status(s string) Outbound {
	return Outbound{Type: TypeStatus, Payload: s}
}

// Data builds a shell output frame.
func Data(s string) Outbound {
	return Outbound{Type: TypeData, Payload: s}
}

// Error builds an error frame carrying a human-readable message and a code.
func Error(code Code, message string) Outbound {
	return Outbound{Type: TypeError, Payload: message, Code: code}
}

func List(result ListResult) Outbound {
	if result.Items == nil {
		result.Items = []Entry{}
	}
	return Outbound{Type: TypeList, Payload: result}
}

func Content(path, content string) Outbound {
	return Outbound{Type: TypeFileContent, Payload: FileContent{Path: path, Content: content}}
}

func Success(s OperationSuccess) Outbound {
	return Outbound{Type: TypeOperationSuccess, Payload: s}
}

func Downloaded(localPath, remotePath string) Outbound {
	return Outbound{Type: TypeDownloadComplete, Payload: DownloadComplete{LocalPath: localPath, RemotePath: remotePath}}
}

func Upload(status, remotePath, errMsg string) Outbound {
	return Outbound{Type: TypeUploadStatus, Payload: UploadStatus{Status: status, RemotePath: remotePath, Error: errMsg}}
}
