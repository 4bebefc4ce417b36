package bus

import (
	"encoding/json"

	"github.com/gluk-w/claworc/sessiond/internal/sshproxy"
)

// Operation names. Push-only events use the names in package events.
const (
	OpConnect          = "connect"
	OpDisconnect       = "disconnect"
	OpShellOpen        = "shell:open"
	OpShellResize      = "shell:resize"
	OpShellWrite       = "shell:write"
	OpShellClose       = "shell:close"
	OpShellScrollback  = "shell:scrollback"
	OpShellRecording   = "shell:recording"
	OpExec             = "exec"
	OpSystemInfo       = "system-info"
	OpFileCheck        = "file:check"
	OpFileChannels     = "file:channels"
	OpFileList         = "file:list"
	OpFileUpload       = "file:upload"
	OpFileUploadDir    = "file:upload-dir"
	OpFileDownload     = "file:download"
	OpFileDelete       = "file:delete"
	OpFileRename       = "file:rename"
	OpFileChmod        = "file:chmod"
	OpAuthResponse     = "interactive-auth:response"
	OpAuthCancel       = "interactive-auth:cancel"
	OpRecordCommand    = "command:record"
	OpRecordTermState  = "terminal-state:record"
	OpConnectionStatus = "connection:status"
	OpPoolList         = "pool:list"
	OpProfileList      = "profile:list"
)

// Response statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusWarning = "warning"
)

// Request is one message from the UI.
type Request struct {
	RequestID string          `json:"requestId,omitempty"`
	Op        string          `json:"op"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Response answers a Request. Fire-and-forget operations have none.
type Response struct {
	RequestID string `json:"requestId,omitempty"`
	Op        string `json:"op"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	// Kind is the error class for failed operations.
	Kind string `json:"kind,omitempty"`
	Data any    `json:"data,omitempty"`
}

// connectRequest is a connect payload, optionally naming a stored profile
// whose values fill the fields the request leaves empty.
type connectRequest struct {
	sshproxy.ConnectRequest
	Profile string `json:"profile,omitempty"`
}

type idRequest struct {
	ID string `json:"id"`
}

type resizeRequest struct {
	ID   string `json:"id"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// scrollbackRequest asks for the output retained after Offset, as returned
// by the previous call.
type scrollbackRequest struct {
	ID     string `json:"id"`
	Offset int64  `json:"offset"`
}

type execRequest struct {
	ID      string `json:"id"`
	Command string `json:"cmd"`
}

type listRequest struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

type transferRequest struct {
	ID         string `json:"id"`
	RemotePath string `json:"remotePath"`
	LocalPath  string `json:"localPath"`
}

type dirUploadRequest struct {
	ID        string `json:"id"`
	RemoteDir string `json:"remoteDir"`
	LocalDir  string `json:"localDir"`
}

type renameRequest struct {
	ID      string `json:"id"`
	OldPath string `json:"oldPath"`
	NewPath string `json:"newPath"`
}

type chmodRequest struct {
	ID         string `json:"id"`
	RemotePath string `json:"remotePath"`
	Mode       string `json:"mode"`
	Recursive  bool   `json:"recursive"`
}

type authResponseRequest struct {
	ID      string   `json:"id"`
	Answers []string `json:"responses"`
}

type recordCommandRequest struct {
	ID      string `json:"id"`
	Command string `json:"command"`
}

type terminalStateRequest struct {
	ID    string `json:"id"`
	State string `json:"state"`
}
