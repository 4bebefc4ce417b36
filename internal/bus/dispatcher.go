// Package bus is the message boundary between the UI and the session layer.
//
// A Request names an operation and carries a JSON payload. Dispatch decodes
// the payload, calls the connection manager, the stream multiplexer or the
// file engine, and answers with a Response whose status is success, error
// or warning. Failures never escape as Go errors or panics; the error kind
// is reported alongside the message so the UI can tell an authentication
// failure from a rejected path.
//
// Push events (shell output, authentication prompts, capability reports)
// reach the UI through a Broadcaster passed to the components as their
// events.Sink.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gluk-w/claworc/sessiond/internal/config"
	"github.com/gluk-w/claworc/sessiond/internal/logutil"
	"github.com/gluk-w/claworc/sessiond/internal/sessionerr"
	"github.com/gluk-w/claworc/sessiond/internal/sshfiles"
	"github.com/gluk-w/claworc/sessiond/internal/sshproxy"
	"github.com/gluk-w/claworc/sessiond/internal/sshterminal"
)

type handlerFunc func(ctx context.Context, payload json.RawMessage) (*Response, error)

type handler struct {
	fn handlerFunc
	// fire marks fire-and-forget operations, which produce no Response.
	fire bool
}

// Dispatcher routes Requests to the session components.
type Dispatcher struct {
	manager *sshproxy.Manager
	mux     *sshterminal.Multiplexer
	files   *sshfiles.Engine

	log      zerolog.Logger
	handlers map[string]handler
	profiles map[string]config.Profile
	names    []string
}

// NewDispatcher wires a Dispatcher to the session components.
func NewDispatcher(manager *sshproxy.Manager, mux *sshterminal.Multiplexer, files *sshfiles.Engine) *Dispatcher {
	d := &Dispatcher{
		manager: manager,
		mux:     mux,
		files:   files,
		log:     log.With().Str("component", "bus").Logger(),
	}
	d.handlers = map[string]handler{
		OpConnect:          {fn: d.connect},
		OpDisconnect:       {fn: d.disconnect},
		OpShellOpen:        {fn: d.shellOpen},
		OpShellResize:      {fn: d.shellResize},
		OpShellWrite:       {fn: d.shellWrite, fire: true},
		OpShellClose:       {fn: d.shellClose},
		OpShellScrollback:  {fn: d.shellScrollback},
		OpShellRecording:   {fn: d.shellRecording},
		OpExec:             {fn: d.exec},
		OpSystemInfo:       {fn: d.systemInfo},
		OpFileCheck:        {fn: d.fileCheck},
		OpFileChannels:     {fn: d.fileChannels},
		OpFileList:         {fn: d.fileList},
		OpFileUpload:       {fn: d.fileUpload},
		OpFileUploadDir:    {fn: d.fileUploadDir},
		OpFileDownload:     {fn: d.fileDownload},
		OpFileDelete:       {fn: d.fileDelete},
		OpFileRename:       {fn: d.fileRename},
		OpFileChmod:        {fn: d.fileChmod},
		OpAuthResponse:     {fn: d.authResponse},
		OpAuthCancel:       {fn: d.authCancel, fire: true},
		OpRecordCommand:    {fn: d.recordCommand},
		OpRecordTermState:  {fn: d.recordTerminalState},
		OpConnectionStatus: {fn: d.connectionStatus},
		OpPoolList:         {fn: d.poolList},
		OpProfileList:      {fn: d.profileList},
	}
	return d
}

// SetProfiles replaces the connection presets available to connect.
func (d *Dispatcher) SetProfiles(profiles []config.Profile) {
	d.profiles = make(map[string]config.Profile, len(profiles))
	d.names = d.names[:0]
	for _, p := range profiles {
		d.profiles[p.Name] = p
		d.names = append(d.names, p.Name)
	}
}

// Ops returns the supported operation names in sorted order.
func (d *Dispatcher) Ops() []string {
	ops := make([]string, 0, len(d.handlers))
	for op := range d.handlers {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// FireAndForget reports whether op produces no Response.
func (d *Dispatcher) FireAndForget(op string) bool {
	return d.handlers[op].fire
}

// Dispatch runs req and returns its Response, or nil for fire-and-forget
// operations that succeeded. It never panics.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (resp *Response) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	h, ok := d.handlers[req.Op]
	if !ok {
		return d.failure(req, sessionerr.New(sessionerr.InvalidRequest, req.Op, fmt.Sprintf("unknown operation %q", req.Op)))
	}

	defer func() {
		if r := recover(); r != nil {
			d.log.Error().
				Str("op", req.Op).
				Str("request_id", req.RequestID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Handler panicked")
			resp = d.failure(req, sessionerr.New(sessionerr.Unknown, req.Op, "internal error"))
		}
	}()

	resp, err := h.fn(ctx, req.Payload)
	if err != nil {
		d.log.Debug().Err(err).Str("op", req.Op).Str("request_id", req.RequestID).Msg("Operation failed")
		return d.failure(req, err)
	}
	if h.fire {
		return nil
	}
	if resp == nil {
		resp = &Response{}
	}
	resp.RequestID = req.RequestID
	resp.Op = req.Op
	if resp.Status == "" {
		resp.Status = StatusSuccess
	}
	return resp
}

func (d *Dispatcher) failure(req Request, err error) *Response {
	return &Response{
		RequestID: req.RequestID,
		Op:        req.Op,
		Status:    StatusError,
		Message:   err.Error(),
		Kind:      sessionerr.KindOf(err).String(),
	}
}

func success(message string, data any) *Response {
	return &Response{Status: StatusSuccess, Message: message, Data: data}
}

// decode unmarshals payload into v. An empty payload leaves v zeroed.
func decode(op string, payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return sessionerr.Wrapf(sessionerr.InvalidRequest, op, "invalid payload", err)
	}
	return nil
}

func requireID(op, id string) error {
	if id == "" {
		return sessionerr.New(sessionerr.InvalidRequest, op, "id is required")
	}
	return nil
}

// decodeID decodes payload into v and checks the session id it carries.
func decodeID[T any](op string, payload json.RawMessage, id func(*T) string) (*T, error) {
	v := new(T)
	if err := decode(op, payload, v); err != nil {
		return nil, err
	}
	if err := requireID(op, id(v)); err != nil {
		return nil, err
	}
	return v, nil
}

func (d *Dispatcher) connect(ctx context.Context, payload json.RawMessage) (*Response, error) {
	var cr connectRequest
	if err := decode(OpConnect, payload, &cr); err != nil {
		return nil, err
	}
	req := cr.ConnectRequest
	if cr.Profile != "" {
		p, ok := d.profiles[cr.Profile]
		if !ok {
			return nil, sessionerr.New(sessionerr.NotFound, OpConnect, fmt.Sprintf("unknown profile %q", cr.Profile))
		}
		if err := applyProfile(&req, p); err != nil {
			return nil, err
		}
	}
	res, err := d.manager.Connect(ctx, req)
	if err != nil {
		return nil, err
	}
	d.log.Info().Str("id", res.ID).Str("host", logutil.SanitizeForLog(req.Host)).Bool("reused", res.Reused).Msg("Session connected")
	return success(res.Message, res), nil
}

func (d *Dispatcher) disconnect(_ context.Context, payload json.RawMessage) (*Response, error) {
	req, err := decodeID(OpDisconnect, payload, func(r *idRequest) string { return r.ID })
	if err != nil {
		return nil, err
	}
	d.mux.CloseSession(req.ID)
	res := d.manager.Disconnect(req.ID)
	return &Response{Status: res.Status, Message: res.Message}, nil
}

func (d *Dispatcher) shellOpen(ctx context.Context, payload json.RawMessage) (*Response, error) {
	req, err := decodeID(OpShellOpen, payload, func(r *sshterminal.OpenRequest) string { return r.ID })
	if err != nil {
		return nil, err
	}
	res, err := d.mux.Open(ctx, *req)
	if err != nil {
		return nil, err
	}
	return success(res.Message, res), nil
}

func (d *Dispatcher) shellResize(_ context.Context, payload json.RawMessage) (*Response, error) {
	req, err := decodeID(OpShellResize, payload, func(r *resizeRequest) string { return r.ID })
	if err != nil {
		return nil, err
	}
	msg, err := d.mux.Resize(req.ID, req.Cols, req.Rows)
	if err != nil {
		return nil, err
	}
	return success(msg, nil), nil
}

func (d *Dispatcher) shellWrite(_ context.Context, payload json.RawMessage) (*Response, error) {
	req, err := decodeID(OpShellWrite, payload, func(r *sshterminal.WriteRequest) string { return r.ID })
	if err != nil {
		return nil, err
	}
	return nil, d.mux.Write(*req)
}

func (d *Dispatcher) shellClose(_ context.Context, payload json.RawMessage) (*Response, error) {
	req, err := decodeID(OpShellClose, payload, func(r *idRequest) string { return r.ID })
	if err != nil {
		return nil, err
	}
	d.mux.CloseSession(req.ID)
	return success("Shell closed", nil), nil
}

func (d *Dispatcher) shellScrollback(_ context.Context, payload json.RawMessage) (*Response, error) {
	req, err := decodeID(OpShellScrollback, payload, func(r *scrollbackRequest) string { return r.ID })
	if err != nil {
		return nil, err
	}
	data, next, ok := d.mux.Scrollback(req.ID, req.Offset)
	if !ok {
		return nil, sessionerr.New(sessionerr.NotFound, OpShellScrollback, "shell not found")
	}
	return success("", map[string]any{"data": string(data), "offset": next}), nil
}

func (d *Dispatcher) shellRecording(_ context.Context, payload json.RawMessage) (*Response, error) {
	req, err := decodeID(OpShellRecording, payload, func(r *idRequest) string { return r.ID })
	if err != nil {
		return nil, err
	}
	cast, err := d.mux.Recording(req.ID)
	if err != nil {
		return nil, err
	}
	return success("", map[string]string{"cast": string(cast)}), nil
}

func (d *Dispatcher) exec(ctx context.Context, payload json.RawMessage) (*Response, error) {
	req, err := decodeID(OpExec, payload, func(r *execRequest) string { return r.ID })
	if err != nil {
		return nil, err
	}
	if req.Command == "" {
		return nil, sessionerr.New(sessionerr.InvalidRequest, OpExec, "cmd is required")
	}
	res := d.manager.Exec(ctx, req.ID, req.Command)
	if !res.Success && res.Error != "" {
		// Output collected before the failure is still useful to the caller.
		return &Response{Status: StatusError, Message: res.Error, Data: res}, nil
	}
	return success("", res), nil
}

func (d *Dispatcher) systemInfo(ctx context.Context, payload json.RawMessage) (*Response, error) {
	req, err := decodeID(OpSystemInfo, payload, func(r *idRequest) string { return r.ID })
	if err != nil {
		return nil, err
	}
	info, err := d.manager.SystemInfo(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return success("", info), nil
}

func (d *Dispatcher) fileCheck(_ context.Context, payload json.RawMessage) (*Response, error) {
	req, err := decodeID(OpFileCheck, payload, func(r *idRequest) string { return r.ID })
	if err != nil {
		return nil, err
	}
	ok, msg := d.manager.SFTPStatus(req.ID)
	status := StatusSuccess
	if !ok {
		status = StatusWarning
	}
	return &Response{Status: status, Message: msg, Data: map[string]bool{"available": ok}}, nil
}

func (d *Dispatcher) fileChannels(context.Context, json.RawMessage) (*Response, error) {
	return success("", d.manager.FileChannels()), nil
}

func (d *Dispatcher) fileList(_ context.Context, payload json.RawMessage) (*Response, error) {
	req, err := decodeID(OpFileList, payload, func(r *listRequest) string { return r.ID })
	if err != nil {
		return nil, err
	}
	entries, err := d.files.List(req.ID, req.Path)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []sshfiles.Entry{}
	}
	return success("", entries), nil
}

func (d *Dispatcher) fileUpload(_ context.Context, payload json.RawMessage) (*Response, error) {
	req, err := decodeID(OpFileUpload, payload, func(r *transferRequest) string { return r.ID })
	if err != nil {
		return nil, err
	}
	remote, err := d.files.UploadFile(req.ID, req.RemotePath, req.LocalPath)
	if err != nil {
		return nil, err
	}
	return success("Upload successful", map[string]string{"remotePath": remote}), nil
}

func (d *Dispatcher) fileUploadDir(_ context.Context, payload json.RawMessage) (*Response, error) {
	req, err := decodeID(OpFileUploadDir, payload, func(r *dirUploadRequest) string { return r.ID })
	if err != nil {
		return nil, err
	}
	remote, err := d.files.UploadDirectory(req.ID, req.RemoteDir, req.LocalDir)
	if err != nil {
		return nil, err
	}
	return success("Upload successful", map[string]string{"remotePath": remote}), nil
}

func (d *Dispatcher) fileDownload(_ context.Context, payload json.RawMessage) (*Response, error) {
	req, err := decodeID(OpFileDownload, payload, func(r *transferRequest) string { return r.ID })
	if err != nil {
		return nil, err
	}
	if err := d.files.DownloadFile(req.ID, req.RemotePath, req.LocalPath); err != nil {
		return nil, err
	}
	return success("Download successful", nil), nil
}

func (d *Dispatcher) fileDelete(_ context.Context, payload json.RawMessage) (*Response, error) {
	req, err := decodeID(OpFileDelete, payload, func(r *transferRequest) string { return r.ID })
	if err != nil {
		return nil, err
	}
	if err := d.files.DeleteFile(req.ID, req.RemotePath); err != nil {
		return nil, err
	}
	return success("Delete successful", nil), nil
}

func (d *Dispatcher) fileRename(_ context.Context, payload json.RawMessage) (*Response, error) {
	req, err := decodeID(OpFileRename, payload, func(r *renameRequest) string { return r.ID })
	if err != nil {
		return nil, err
	}
	if err := d.files.Rename(req.ID, req.OldPath, req.NewPath); err != nil {
		return nil, err
	}
	return success("Rename successful", nil), nil
}

func (d *Dispatcher) fileChmod(_ context.Context, payload json.RawMessage) (*Response, error) {
	req, err := decodeID(OpFileChmod, payload, func(r *chmodRequest) string { return r.ID })
	if err != nil {
		return nil, err
	}
	if err := d.files.Chmod(req.ID, req.RemotePath, req.Mode, req.Recursive); err != nil {
		return nil, err
	}
	return success("Permissions updated", nil), nil
}

func (d *Dispatcher) authResponse(_ context.Context, payload json.RawMessage) (*Response, error) {
	req, err := decodeID(OpAuthResponse, payload, func(r *authResponseRequest) string { return r.ID })
	if err != nil {
		return nil, err
	}
	if err := d.manager.Authenticator().Respond(req.ID, req.Answers); err != nil {
		return nil, err
	}
	return success("Response received", nil), nil
}

func (d *Dispatcher) authCancel(_ context.Context, payload json.RawMessage) (*Response, error) {
	req, err := decodeID(OpAuthCancel, payload, func(r *idRequest) string { return r.ID })
	if err != nil {
		return nil, err
	}
	if !d.manager.Authenticator().Cancel(req.ID) {
		d.log.Debug().Str("id", req.ID).Msg("No pending authentication to cancel")
	}
	return nil, nil
}

func (d *Dispatcher) recordCommand(_ context.Context, payload json.RawMessage) (*Response, error) {
	req, err := decodeID(OpRecordCommand, payload, func(r *recordCommandRequest) string { return r.ID })
	if err != nil {
		return nil, err
	}
	if err := d.manager.RecordCommand(req.ID, req.Command); err != nil {
		return nil, err
	}
	return success("Command recorded", nil), nil
}

func (d *Dispatcher) recordTerminalState(_ context.Context, payload json.RawMessage) (*Response, error) {
	req, err := decodeID(OpRecordTermState, payload, func(r *terminalStateRequest) string { return r.ID })
	if err != nil {
		return nil, err
	}
	if err := d.manager.RecordTerminalState(req.ID, req.State); err != nil {
		return nil, err
	}
	return success("Terminal state recorded", nil), nil
}

// ConnectionStatus is the data of a connection:status response.
type ConnectionStatus struct {
	ID            string                     `json:"id"`
	State         string                     `json:"state"`
	TerminalState string                     `json:"terminalState,omitempty"`
	Transitions   []sshproxy.StateTransition `json:"transitions"`
	Events        []sshproxy.ConnectionEvent `json:"events"`
}

func (d *Dispatcher) connectionStatus(_ context.Context, payload json.RawMessage) (*Response, error) {
	req, err := decodeID(OpConnectionStatus, payload, func(r *idRequest) string { return r.ID })
	if err != nil {
		return nil, err
	}
	return success("", ConnectionStatus{
		ID:            req.ID,
		State:         d.manager.ConnectionState(req.ID).String(),
		TerminalState: d.manager.TerminalState(req.ID),
		Transitions:   d.manager.StateTransitions(req.ID),
		Events:        d.manager.EventHistory(req.ID),
	}), nil
}

func (d *Dispatcher) poolList(context.Context, json.RawMessage) (*Response, error) {
	return success("", d.manager.Pool()), nil
}

func (d *Dispatcher) profileList(context.Context, json.RawMessage) (*Response, error) {
	out := make([]config.Profile, 0, len(d.names))
	for _, name := range d.names {
		out = append(out, d.profiles[name])
	}
	return success("", out), nil
}

// applyProfile fills the fields of req that the request left empty.
func applyProfile(req *sshproxy.ConnectRequest, p config.Profile) error {
	if req.Kind == "" {
		req.Kind = sshproxy.Kind(p.Kind)
	}
	if req.Host == "" {
		req.Host = p.Host
	}
	if req.Port == 0 {
		req.Port = p.Port
	}
	if req.Username == "" {
		req.Username = p.Username
	}
	if req.Proxy == nil {
		req.Proxy = p.Proxy
	}
	if !req.UseAgent {
		req.UseAgent = p.UseAgent
	}
	if req.PrivateKey == "" && p.IdentityFile != "" {
		key, err := readIdentityFile(p.IdentityFile)
		if err != nil {
			return sessionerr.Wrapf(sessionerr.InvalidRequest, OpConnect, "read identity file", err)
		}
		req.PrivateKey = key
	}
	return nil
}

func readIdentityFile(path string) (string, error) {
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, rest)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
