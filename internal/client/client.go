package client

import (
	"fmt"
	"net"
	"time"

	"github.com/tangthinker/easysave/internal/config"
	"github.com/tangthinker/easysave/internal/ipc"
)

// Client talks to the daemon over its unix socket, one connection per command.
type Client struct {
	socket  string
	timeout time.Duration
}

// NewClient returns a client for socket after checking the daemon answers.
func NewClient(socket string) (*Client, error) {
	if socket == "" {
		socket = ipc.DefaultSocket
	}
	c := &Client{socket: socket, timeout: 30 * time.Second}

	conn, err := net.DialTimeout("unix", socket, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}
	conn.Close()
	return c, nil
}

// SendCommand sends a command to the daemon and returns the response
func (c *Client) SendCommand(cmd *ipc.Command) (*ipc.Response, error) {
	conn, err := net.DialTimeout("unix", c.socket, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	if err := ipc.Write(conn, cmd); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}
	return ipc.ReadResponse(conn)
}

// do sends cmd and decodes a successful payload into out.
func (c *Client) do(cmd *ipc.Command, out any) error {
	resp, err := c.SendCommand(cmd)
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	if out != nil {
		return resp.Decode(out)
	}
	return nil
}

// AddTask sends an add task command to the daemon
func (c *Client) AddTask(def config.BackupTask) error {
	return c.do(&ipc.Command{Type: ipc.CmdAdd, Task: &def}, nil)
}

// ListTasks returns the daemon's catalogue.
func (c *Client) ListTasks() ([]config.BackupTask, error) {
	var tasks []config.BackupTask
	err := c.do(ipc.NewCommand(ipc.CmdList, ""), &tasks)
	return tasks, err
}

// EditTask replaces the definition of name.
func (c *Client) EditTask(name string, def config.BackupTask) error {
	return c.do(&ipc.Command{Type: ipc.CmdEdit, Name: name, Task: &def}, nil)
}

// RenameTask renames oldName to newName.
func (c *Client) RenameTask(oldName, newName string) error {
	return c.do(&ipc.Command{Type: ipc.CmdRename, Name: oldName, NewName: newName}, nil)
}

// DeleteTask sends a delete task command to the daemon
func (c *Client) DeleteTask(name string) error {
	return c.do(ipc.NewCommand(ipc.CmdDelete, name), nil)
}

// ClearTasks removes every idle task and returns how many were removed.
func (c *Client) ClearTasks() (int, error) {
	var data ipc.ClearData
	err := c.do(ipc.NewCommand(ipc.CmdClear, ""), &data)
	return data.Removed, err
}

// RunTask starts a run of name.
func (c *Client) RunTask(name string) error {
	return c.do(ipc.NewCommand(ipc.CmdRun, name), nil)
}

// RunAll starts every task.
func (c *Client) RunAll() error {
	return c.do(ipc.NewCommand(ipc.CmdRunAll, ""), nil)
}

// PauseTask pauses name.
func (c *Client) PauseTask(name string) error {
	return c.do(ipc.NewCommand(ipc.CmdPause, name), nil)
}

// ResumeTask resumes name.
func (c *Client) ResumeTask(name string) error {
	return c.do(ipc.NewCommand(ipc.CmdResume, name), nil)
}

// StopTask sends a stop task command to the daemon
func (c *Client) StopTask(name string) error {
	return c.do(ipc.NewCommand(ipc.CmdStop, name), nil)
}

// Status returns every progress record and the tasks currently running.
func (c *Client) Status() (ipc.StatusData, error) {
	var data ipc.StatusData
	err := c.do(ipc.NewCommand(ipc.CmdStatus, ""), &data)
	return data, err
}

// Stats returns admission and guard diagnostics.
func (c *Client) Stats() (ipc.StatsData, error) {
	var data ipc.StatsData
	err := c.do(ipc.NewCommand(ipc.CmdStats, ""), &data)
	return data, err
}

// SetThreshold changes the daemon's large-file threshold.
func (c *Client) SetThreshold(bytes int64) error {
	return c.do(&ipc.Command{Type: ipc.CmdSetThreshold, Bytes: bytes}, nil)
}

// ResetStats zeroes the daemon's admission counters.
func (c *Client) ResetStats() error {
	return c.do(ipc.NewCommand(ipc.CmdResetStats, ""), nil)
}
