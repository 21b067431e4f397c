package acp

// ACP wire protocol types and a hand-rolled JSON-RPC-over-stdio client.
//
// The upstream agent-client-protocol SDK is not part of this module's
// dependency set, so the handful of request/response shapes the gateway
// and session host actually exchange with an agent subprocess (initialize,
// session creation/loading, prompting, permission requests, and the
// client-side file/terminal callbacks) are defined directly here, and
// wired over stdin/stdout with encoding/json; replies are matched to
// outbound calls by JSON-RPC id.

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// ProtocolVersionNumber is the ACP protocol version this client speaks.
const ProtocolVersionNumber = 1

// SessionId identifies an agent-side session.
type SessionId string

// ModelId identifies a model the agent can be configured to use.
type ModelId string

// SessionModeId identifies a permission/operating mode (default, acceptEdits, ...).
type SessionModeId string

// ContentBlockText is a plain-text content block payload.
type ContentBlockText struct {
	Text string `json:"text"`
}

// ContentBlock is a tagged union of prompt/response content. Only the text
// variant is produced or consumed by this client; other variants keep only
// their type, and their remaining fields are discarded on decode.
type ContentBlock struct {
	Type string            `json:"type"`
	Text *ContentBlockText `json:"-"`
}

// MarshalJSON flattens ContentBlock to the ACP wire shape {"type":"text","text":"..."}.
func (c ContentBlock) MarshalJSON() ([]byte, error) {
	if c.Text != nil {
		return json.Marshal(struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{Type: "text", Text: c.Text.Text})
	}
	return json.Marshal(struct {
		Type string `json:"type"`
	}{Type: c.Type})
}

// UnmarshalJSON reconstructs ContentBlock from the ACP wire shape.
func (c *ContentBlock) UnmarshalJSON(data []byte) error {
	var probe struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	c.Type = probe.Type
	if probe.Type == "text" {
		c.Text = &ContentBlockText{Text: probe.Text}
	}
	return nil
}

// TextBlock constructs a text ContentBlock.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: &ContentBlockText{Text: text}}
}

// ToolCallLocation names a file location a tool call touched.
type ToolCallLocation struct {
	Path string `json:"path"`
	Line *int   `json:"line,omitempty"`
}

// ToolCallContentContent wraps inline content produced by a tool call.
type ToolCallContentContent struct {
	Content ContentBlock `json:"content"`
}

// ToolCallContentDiff wraps a file diff produced by a tool call.
type ToolCallContentDiff struct {
	Path    string `json:"path"`
	OldText string `json:"oldText,omitempty"`
	NewText string `json:"newText,omitempty"`
}

// ToolCallContent wraps either inline content or a diff produced by a tool call.
type ToolCallContent struct {
	Content *ToolCallContentContent `json:"content,omitempty"`
	Diff    *ToolCallContentDiff    `json:"diff,omitempty"`
}

// ToolKind classifies what kind of operation a tool call performs.
type ToolKind string

const (
	ToolKindRead    ToolKind = "read"
	ToolKindEdit    ToolKind = "edit"
	ToolKindDelete  ToolKind = "delete"
	ToolKindMove    ToolKind = "move"
	ToolKindSearch  ToolKind = "search"
	ToolKindExecute ToolKind = "execute"
	ToolKindThink   ToolKind = "think"
	ToolKindFetch   ToolKind = "fetch"
	ToolKindOther   ToolKind = "other"
)

// ToolCallStatus reports the lifecycle state of a tool call.
type ToolCallStatus string

const (
	ToolCallStatusPending    ToolCallStatus = "pending"
	ToolCallStatusInProgress ToolCallStatus = "in_progress"
	ToolCallStatusCompleted  ToolCallStatus = "completed"
	ToolCallStatusFailed     ToolCallStatus = "failed"
)

// SessionUpdateToolCall describes a newly started tool invocation.
type SessionUpdateToolCall struct {
	ToolCallId string             `json:"toolCallId"`
	Kind       ToolKind           `json:"kind,omitempty"`
	Content    []ToolCallContent  `json:"content,omitempty"`
	Locations  []ToolCallLocation `json:"locations,omitempty"`
}

// SessionToolCallUpdate describes a status/content change to an existing tool call.
type SessionToolCallUpdate struct {
	ToolCallId string             `json:"toolCallId"`
	Kind       *ToolKind          `json:"kind,omitempty"`
	Status     *ToolCallStatus    `json:"status,omitempty"`
	Content    []ToolCallContent  `json:"content,omitempty"`
	Locations  []ToolCallLocation `json:"locations,omitempty"`
}

// SessionUpdateUserMessageChunk carries a chunk of streamed user message content.
type SessionUpdateUserMessageChunk struct {
	Content ContentBlock `json:"content"`
}

// SessionUpdateAgentMessageChunk carries a chunk of streamed agent message content.
type SessionUpdateAgentMessageChunk struct {
	Content ContentBlock `json:"content"`
}

// SessionUpdateAgentThoughtChunk carries a chunk of the agent's internal
// reasoning. ExtractMessages ignores this variant.
type SessionUpdateAgentThoughtChunk struct {
	Content ContentBlock `json:"content"`
}

// SessionUpdate is a tagged union of the session/update notification kinds
// this client cares about; exactly one field is populated per notification.
type SessionUpdate struct {
	SessionUpdate     string                          `json:"sessionUpdate"`
	UserMessageChunk  *SessionUpdateUserMessageChunk  `json:"-"`
	AgentMessageChunk *SessionUpdateAgentMessageChunk `json:"-"`
	AgentThoughtChunk *SessionUpdateAgentThoughtChunk `json:"-"`
	ToolCall          *SessionUpdateToolCall          `json:"-"`
	ToolCallUpdate    *SessionToolCallUpdate          `json:"-"`
	raw               json.RawMessage
}

const (
	updateKindUserMessageChunk  = "user_message_chunk"
	updateKindAgentMessageChunk = "agent_message_chunk"
	updateKindAgentThoughtChunk = "agent_thought_chunk"
	updateKindToolCall          = "tool_call"
	updateKindToolCallUpdate    = "tool_call_update"
)

// UpdateUserMessage builds a user_message_chunk SessionUpdate for a single block.
func UpdateUserMessage(block ContentBlock) SessionUpdate {
	return SessionUpdate{
		SessionUpdate:    updateKindUserMessageChunk,
		UserMessageChunk: &SessionUpdateUserMessageChunk{Content: block},
	}
}

// MarshalJSON re-flattens the populated variant back onto the wire.
func (u SessionUpdate) MarshalJSON() ([]byte, error) {
	switch {
	case u.UserMessageChunk != nil:
		return json.Marshal(struct {
			SessionUpdate string       `json:"sessionUpdate"`
			Content       ContentBlock `json:"content"`
		}{updateKindUserMessageChunk, u.UserMessageChunk.Content})
	case u.AgentMessageChunk != nil:
		return json.Marshal(struct {
			SessionUpdate string       `json:"sessionUpdate"`
			Content       ContentBlock `json:"content"`
		}{updateKindAgentMessageChunk, u.AgentMessageChunk.Content})
	case u.AgentThoughtChunk != nil:
		return json.Marshal(struct {
			SessionUpdate string       `json:"sessionUpdate"`
			Content       ContentBlock `json:"content"`
		}{updateKindAgentThoughtChunk, u.AgentThoughtChunk.Content})
	case u.ToolCall != nil:
		return json.Marshal(struct {
			SessionUpdate string `json:"sessionUpdate"`
			*SessionUpdateToolCall
		}{updateKindToolCall, u.ToolCall})
	case u.ToolCallUpdate != nil:
		return json.Marshal(struct {
			SessionUpdate string `json:"sessionUpdate"`
			*SessionToolCallUpdate
		}{updateKindToolCallUpdate, u.ToolCallUpdate})
	case len(u.raw) > 0:
		return u.raw, nil
	}
	return json.Marshal(struct {
		SessionUpdate string `json:"sessionUpdate"`
	}{u.SessionUpdate})
}

// UnmarshalJSON dispatches into the populated variant based on sessionUpdate.
func (u *SessionUpdate) UnmarshalJSON(data []byte) error {
	var kind struct {
		SessionUpdate string `json:"sessionUpdate"`
	}
	if err := json.Unmarshal(data, &kind); err != nil {
		return err
	}
	u.SessionUpdate = kind.SessionUpdate
	u.raw = append(json.RawMessage(nil), data...)

	switch kind.SessionUpdate {
	case updateKindUserMessageChunk:
		var v struct {
			Content ContentBlock `json:"content"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		u.UserMessageChunk = &SessionUpdateUserMessageChunk{Content: v.Content}
	case updateKindAgentMessageChunk:
		var v struct {
			Content ContentBlock `json:"content"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		u.AgentMessageChunk = &SessionUpdateAgentMessageChunk{Content: v.Content}
	case updateKindAgentThoughtChunk:
		var v struct {
			Content ContentBlock `json:"content"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		u.AgentThoughtChunk = &SessionUpdateAgentThoughtChunk{Content: v.Content}
	case updateKindToolCall:
		var v SessionUpdateToolCall
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		u.ToolCall = &v
	case updateKindToolCallUpdate:
		var v SessionToolCallUpdate
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		u.ToolCallUpdate = &v
	}
	return nil
}

// SessionNotification is the session/update notification payload.
type SessionNotification struct {
	SessionId SessionId     `json:"sessionId"`
	Update    SessionUpdate `json:"update"`
}

// StopReason explains why a prompt turn ended.
type StopReason string

// FileSystemCapability advertises client-side file read/write support.
type FileSystemCapability struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

// ClientCapabilities advertises what the client side of the connection can do.
type ClientCapabilities struct {
	Fs FileSystemCapability `json:"fs"`
}

// AgentCapabilities advertises what the agent side supports.
type AgentCapabilities struct {
	LoadSession bool `json:"loadSession"`
}

// InitializeRequest begins the ACP handshake.
type InitializeRequest struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	ClientCapabilities ClientCapabilities `json:"clientCapabilities"`
}

// InitializeResponse is the agent's handshake reply.
type InitializeResponse struct {
	ProtocolVersion   int               `json:"protocolVersion"`
	AgentCapabilities AgentCapabilities `json:"agentCapabilities"`
}

// McpServer describes an MCP server the agent may connect to. No MCP
// servers are configured by this client; the slice is always empty.
type McpServer struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// NewSessionRequest asks the agent to create a fresh session.
type NewSessionRequest struct {
	Cwd        string      `json:"cwd"`
	McpServers []McpServer `json:"mcpServers"`
}

// NewSessionResponse carries the agent-assigned session id.
type NewSessionResponse struct {
	SessionId SessionId `json:"sessionId"`
}

// LoadSessionRequest asks the agent to resume a previous session.
type LoadSessionRequest struct {
	SessionId  SessionId   `json:"sessionId"`
	Cwd        string      `json:"cwd"`
	McpServers []McpServer `json:"mcpServers"`
}

// LoadSessionResponse is the (empty) reply to a successful LoadSession.
type LoadSessionResponse struct{}

// PromptRequest sends a user turn to the agent.
type PromptRequest struct {
	SessionId SessionId      `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// PromptResponse reports how the turn ended.
type PromptResponse struct {
	StopReason StopReason `json:"stopReason"`
}

// SetSessionModelRequest switches the session's active model.
type SetSessionModelRequest struct {
	SessionId SessionId `json:"sessionId"`
	ModelId   ModelId   `json:"modelId"`
}

// SetSessionModelResponse is the (empty) reply.
type SetSessionModelResponse struct{}

// SetSessionModeRequest switches the session's permission mode.
type SetSessionModeRequest struct {
	SessionId SessionId     `json:"sessionId"`
	ModeId    SessionModeId `json:"modeId"`
}

// SetSessionModeResponse is the (empty) reply.
type SetSessionModeResponse struct{}

// PermissionOption is one of the choices offered to the user for a pending tool call.
type PermissionOption struct {
	OptionId string `json:"optionId"`
	Name     string `json:"name,omitempty"`
	Kind     string `json:"kind,omitempty"`
}

// RequestPermissionRequest asks the client to approve or deny a tool call.
type RequestPermissionRequest struct {
	SessionId SessionId             `json:"sessionId"`
	ToolCall  SessionUpdateToolCall `json:"toolCall"`
	Options   []PermissionOption    `json:"options"`
}

// RequestPermissionOutcome is a tagged union: either an option was selected,
// or the request was cancelled (e.g. no viewer responded in time).
type RequestPermissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionId string `json:"optionId,omitempty"`
}

// NewRequestPermissionOutcomeSelected builds a "selected" outcome.
func NewRequestPermissionOutcomeSelected(optionID string) RequestPermissionOutcome {
	return RequestPermissionOutcome{Outcome: "selected", OptionId: optionID}
}

// NewRequestPermissionOutcomeCancelled builds a "cancelled" outcome.
func NewRequestPermissionOutcomeCancelled() RequestPermissionOutcome {
	return RequestPermissionOutcome{Outcome: "cancelled"}
}

// RequestPermissionResponse carries the resolved outcome.
type RequestPermissionResponse struct {
	Outcome RequestPermissionOutcome `json:"outcome"`
}

// ReadTextFileRequest/Response and WriteTextFileRequest/Response implement
// the client-side filesystem capability advertised in ClientCapabilities.Fs.
type ReadTextFileRequest struct {
	Path  string `json:"path"`
	Line  *int   `json:"line,omitempty"`
	Limit *int   `json:"limit,omitempty"`
}

type ReadTextFileResponse struct {
	Content string `json:"content"`
}

type WriteTextFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type WriteTextFileResponse struct{}

// Terminal and auxiliary filesystem capabilities are not implemented by
// this client; the request/response types exist only so the Client
// interface below matches what an agent may (rarely) call, and every
// implementation returns "not supported".
type (
	CreateTerminalRequest        struct{}
	CreateTerminalResponse       struct{}
	KillTerminalCommandRequest   struct{}
	KillTerminalCommandResponse  struct{}
	TerminalOutputRequest        struct{}
	TerminalOutputResponse       struct{}
	ReleaseTerminalRequest       struct{}
	ReleaseTerminalResponse      struct{}
	WaitForTerminalExitRequest   struct{}
	WaitForTerminalExitResponse  struct{}
	ListTextFilesRequest         struct{}
	ListTextFilesResponse        struct{}
	EditTextFileRequest          struct{}
	EditTextFileResponse         struct{}
	CreateDirectoryRequest       struct{}
	CreateDirectoryResponse      struct{}
	MoveResourceRequest          struct{}
	MoveResourceResponse         struct{}
	StartTerminalRequest         struct{}
	StartTerminalResponse        struct{}
	SendTerminalInputRequest     struct{}
	SendTerminalInputResponse    struct{}
	ResizeTerminalRequest        struct{}
	ResizeTerminalResponse       struct{}
	CloseTerminalRequest         struct{}
	CloseTerminalResponse        struct{}
)

// Client is implemented by the gateway/session host to answer requests the
// agent subprocess initiates (session updates, permission prompts, and the
// client-side filesystem/terminal capabilities).
type Client interface {
	SessionUpdate(ctx context.Context, params SessionNotification) error
	RequestPermission(ctx context.Context, params RequestPermissionRequest) (RequestPermissionResponse, error)
	ReadTextFile(ctx context.Context, params ReadTextFileRequest) (ReadTextFileResponse, error)
	WriteTextFile(ctx context.Context, params WriteTextFileRequest) (WriteTextFileResponse, error)
	CreateTerminal(ctx context.Context, params CreateTerminalRequest) (CreateTerminalResponse, error)
	KillTerminalCommand(ctx context.Context, params KillTerminalCommandRequest) (KillTerminalCommandResponse, error)
	TerminalOutput(ctx context.Context, params TerminalOutputRequest) (TerminalOutputResponse, error)
	ReleaseTerminal(ctx context.Context, params ReleaseTerminalRequest) (ReleaseTerminalResponse, error)
	WaitForTerminalExit(ctx context.Context, params WaitForTerminalExitRequest) (WaitForTerminalExitResponse, error)
	ListTextFiles(ctx context.Context, params ListTextFilesRequest) (ListTextFilesResponse, error)
	EditTextFile(ctx context.Context, params EditTextFileRequest) (EditTextFileResponse, error)
	CreateDirectory(ctx context.Context, params CreateDirectoryRequest) (CreateDirectoryResponse, error)
	MoveResource(ctx context.Context, params MoveResourceRequest) (MoveResourceResponse, error)
	StartTerminal(ctx context.Context, params StartTerminalRequest) (StartTerminalResponse, error)
	SendTerminalInput(ctx context.Context, params SendTerminalInputRequest) (SendTerminalInputResponse, error)
	ResizeTerminal(ctx context.Context, params ResizeTerminalRequest) (ResizeTerminalResponse, error)
	CloseTerminal(ctx context.Context, params CloseTerminalRequest) (CloseTerminalResponse, error)
}

// rpcEnvelope is the on-wire JSON-RPC 2.0 shape, used for both directions.
type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("acp error %d: %s", e.Code, e.Message) }

// ClientSideConnection is a hand-rolled JSON-RPC-over-stdio connection to an
// agent subprocess: it writes our requests to the agent's stdin, reads the
// agent's requests/notifications/responses from its stdout, and correlates
// our own outbound calls against their replies with a pending-call map keyed
// by JSON-RPC id.
type ClientSideConnection struct {
	client Client
	w      io.Writer
	wMu    sync.Mutex

	nextID  int64
	pending sync.Map // int64 -> chan rpcEnvelope

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClientSideConnection starts the connection's read loop over r in its
// own goroutine and prepares w for outbound writes.
func NewClientSideConnection(client Client, w io.Writer, r io.Reader) *ClientSideConnection {
	c := &ClientSideConnection{
		client: client,
		w:      w,
		closed: make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

func (c *ClientSideConnection) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env rpcEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			continue
		}
		c.dispatch(env)
	}
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *ClientSideConnection) dispatch(env rpcEnvelope) {
	switch {
	case env.Method == "" && env.ID != nil:
		// Response to one of our own requests.
		if ch, ok := c.pending.LoadAndDelete(*env.ID); ok {
			ch.(chan rpcEnvelope) <- env
		}
	case env.Method != "" && env.ID == nil:
		// Notification from the agent.
		c.handleNotification(env)
	case env.Method != "":
		// Request from the agent requiring a response.
		go c.handleRequest(env)
	}
}

func (c *ClientSideConnection) handleNotification(env rpcEnvelope) {
	if env.Method != "session/update" {
		return
	}
	var params SessionNotification
	if err := json.Unmarshal(env.Params, &params); err != nil {
		return
	}
	_ = c.client.SessionUpdate(context.Background(), params)
}

func (c *ClientSideConnection) handleRequest(env rpcEnvelope) {
	ctx := context.Background()
	var result interface{}
	var rpcErr *rpcError

	switch env.Method {
	case "session/request_permission":
		var params RequestPermissionRequest
		if err := json.Unmarshal(env.Params, &params); err != nil {
			rpcErr = &rpcError{Code: -32602, Message: err.Error()}
			break
		}
		resp, err := c.client.RequestPermission(ctx, params)
		if err != nil {
			rpcErr = &rpcError{Code: -32000, Message: err.Error()}
			break
		}
		result = resp
	case "fs/read_text_file":
		var params ReadTextFileRequest
		if err := json.Unmarshal(env.Params, &params); err != nil {
			rpcErr = &rpcError{Code: -32602, Message: err.Error()}
			break
		}
		resp, err := c.client.ReadTextFile(ctx, params)
		if err != nil {
			rpcErr = &rpcError{Code: -32000, Message: err.Error()}
			break
		}
		result = resp
	case "fs/write_text_file":
		var params WriteTextFileRequest
		if err := json.Unmarshal(env.Params, &params); err != nil {
			rpcErr = &rpcError{Code: -32602, Message: err.Error()}
			break
		}
		resp, err := c.client.WriteTextFile(ctx, params)
		if err != nil {
			rpcErr = &rpcError{Code: -32000, Message: err.Error()}
			break
		}
		result = resp
	default:
		rpcErr = &rpcError{Code: -32601, Message: "method not found: " + env.Method}
	}

	c.writeResponse(env.ID, result, rpcErr)
}

func (c *ClientSideConnection) writeResponse(id *int64, result interface{}, rpcErr *rpcError) {
	if id == nil {
		return
	}
	env := rpcEnvelope{JSONRPC: "2.0", ID: id, Error: rpcErr}
	if rpcErr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			env.Error = &rpcError{Code: -32000, Message: err.Error()}
		} else {
			env.Result = raw
		}
	}
	c.writeLine(env)
}

func (c *ClientSideConnection) writeLine(env rpcEnvelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	data = append(data, '\n')
	c.wMu.Lock()
	defer c.wMu.Unlock()
	_, _ = c.w.Write(data)
}

// call sends a JSON-RPC request and blocks for the matching response.
func (c *ClientSideConnection) call(ctx context.Context, method string, params, result interface{}) error {
	id := atomic.AddInt64(&c.nextID, 1)
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}

	ch := make(chan rpcEnvelope, 1)
	c.pending.Store(id, ch)
	defer c.pending.Delete(id)

	c.writeLine(rpcEnvelope{JSONRPC: "2.0", ID: &id, Method: method, Params: raw})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return fmt.Errorf("acp connection closed while waiting for %s", method)
	case env := <-ch:
		if env.Error != nil {
			return env.Error
		}
		if result != nil && len(env.Result) > 0 {
			return json.Unmarshal(env.Result, result)
		}
		return nil
	}
}

func (c *ClientSideConnection) Initialize(ctx context.Context, req InitializeRequest) (InitializeResponse, error) {
	var resp InitializeResponse
	err := c.call(ctx, "initialize", req, &resp)
	return resp, err
}

func (c *ClientSideConnection) NewSession(ctx context.Context, req NewSessionRequest) (NewSessionResponse, error) {
	var resp NewSessionResponse
	err := c.call(ctx, "session/new", req, &resp)
	return resp, err
}

func (c *ClientSideConnection) LoadSession(ctx context.Context, req LoadSessionRequest) (LoadSessionResponse, error) {
	var resp LoadSessionResponse
	err := c.call(ctx, "session/load", req, &resp)
	return resp, err
}

func (c *ClientSideConnection) Prompt(ctx context.Context, req PromptRequest) (PromptResponse, error) {
	var resp PromptResponse
	err := c.call(ctx, "session/prompt", req, &resp)
	return resp, err
}

func (c *ClientSideConnection) SetSessionModel(ctx context.Context, req SetSessionModelRequest) (SetSessionModelResponse, error) {
	var resp SetSessionModelResponse
	err := c.call(ctx, "session/set_model", req, &resp)
	return resp, err
}

func (c *ClientSideConnection) SetSessionMode(ctx context.Context, req SetSessionModeRequest) (SetSessionModeResponse, error) {
	var resp SetSessionModeResponse
	err := c.call(ctx, "session/set_mode", req, &resp)
	return resp, err
}
