package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/tangthinker/easysave/internal/admission"
	"github.com/tangthinker/easysave/internal/backup"
	"github.com/tangthinker/easysave/internal/config"
	"github.com/tangthinker/easysave/internal/state"
)

// CommandType names a daemon operation.
type CommandType string

const (
	CmdAdd    CommandType = "ADD"
	CmdList   CommandType = "LIST"
	CmdEdit   CommandType = "EDIT"
	CmdRename CommandType = "RENAME"
	CmdDelete CommandType = "DELETE"
	CmdClear  CommandType = "CLEAR"
	CmdRun    CommandType = "RUN"
	CmdRunAll CommandType = "RUN_ALL"
	CmdPause  CommandType = "PAUSE"
	CmdResume CommandType = "RESUME"
	CmdStop   CommandType = "STOP"
	CmdStatus CommandType = "STATUS"
	CmdStats  CommandType = "STATS"

	CmdSetThreshold CommandType = "SET_THRESHOLD"
	CmdResetStats   CommandType = "RESET_STATS"
)

// DefaultSocket is the daemon's unix socket unless configured otherwise.
const DefaultSocket = "/tmp/easysave.sock"

// Error codes carried in Response.Code so clients can match sentinel errors.
const (
	CodeNotFound = "not_found"
	CodeExists   = "exists"
	CodeInvalid  = "invalid"
	CodeRunning  = "running"
	CodeClosed   = "closed"
)

// Command is one request from the CLI to the daemon.
type Command struct {
	Type    CommandType        `json:"type"`
	Name    string             `json:"name,omitempty"`
	NewName string             `json:"newName,omitempty"`
	Task    *config.BackupTask `json:"task,omitempty"`
	Bytes   int64              `json:"bytes,omitempty"`
}

// Response is the daemon's answer to a Command.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
}

// StatusData answers CmdStatus.
type StatusData struct {
	States  []state.RunState `json:"states"`
	Running []string         `json:"running"`
}

// StatsData answers CmdStats.
type StatsData struct {
	Admission    admission.Stats `json:"admission"`
	Threshold    int64           `json:"threshold"`
	GuardProcess string          `json:"guardProcess,omitempty"`
	GuardMatches []string        `json:"guardMatches,omitempty"`
}

// ClearData answers CmdClear.
type ClearData struct {
	Removed int `json:"removed"`
}

// NewCommand creates a command addressing the task called name.
func NewCommand(cmdType CommandType, name string) *Command {
	return &Command{
		Type: cmdType,
		Name: name,
	}
}

// NewResponse builds a response from a result and an error.
func NewResponse(data any, err error) *Response {
	if err != nil {
		return &Response{Error: err.Error(), Code: codeOf(err)}
	}
	resp := &Response{Success: true}
	if data != nil {
		raw, merr := json.Marshal(data)
		if merr != nil {
			return &Response{Error: fmt.Sprintf("encode response: %v", merr)}
		}
		resp.Data = raw
	}
	return resp
}

// Err converts a failed response back into an error, wrapping the matching
// sentinel when the daemon sent a code.
func (r *Response) Err() error {
	if r.Success {
		return nil
	}
	if sentinel := sentinelFor(r.Code); sentinel != nil {
		return fmt.Errorf("%w (daemon: %s)", sentinel, r.Error)
	}
	return errors.New(r.Error)
}

// Decode unmarshals the response payload into v.
func (r *Response) Decode(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}

// Write encodes v as one JSON document on w.
func Write(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}

// ReadCommand decodes one Command from r.
func ReadCommand(r io.Reader) (*Command, error) {
	var cmd Command
	if err := json.NewDecoder(r).Decode(&cmd); err != nil {
		return nil, fmt.Errorf("failed to decode command: %w", err)
	}
	return &cmd, nil
}

// ReadResponse decodes one Response from r.
func ReadResponse(r io.Reader) (*Response, error) {
	var resp Response
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &resp, nil
}

var codes = []struct {
	code string
	err  error
}{
	{CodeNotFound, backup.ErrTaskNotFound},
	{CodeExists, backup.ErrTaskExists},
	{CodeInvalid, backup.ErrInvalidTask},
	{CodeRunning, backup.ErrTaskRunning},
	{CodeClosed, backup.ErrManagerClosed},
}

func codeOf(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return ""
}

func sentinelFor(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}
