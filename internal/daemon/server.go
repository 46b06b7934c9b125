package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tangthinker/easysave/internal/admission"
	"github.com/tangthinker/easysave/internal/backup"
	"github.com/tangthinker/easysave/internal/guard"
	"github.com/tangthinker/easysave/internal/ipc"
	"github.com/tangthinker/easysave/internal/state"
)

const connTimeout = 30 * time.Second

// Options wires the server to the daemon's components.
type Options struct {
	Socket    string
	Manager   *backup.Manager
	Store     *state.Store
	Admission *admission.Controller
	Guard     *guard.ProcessGuard // optional
	Log       logrus.FieldLogger
}

type Server struct {
	listener net.Listener
	socket   string
	manager  *backup.Manager
	store    *state.Store
	ctrl     *admission.Controller
	guard    *guard.ProcessGuard
	log      logrus.FieldLogger
}

// NewServer creates a new Unix domain socket server
func NewServer(opts Options) (*Server, error) {
	if opts.Socket == "" {
		opts.Socket = ipc.DefaultSocket
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}

	// Remove existing socket file if it exists
	if err := os.RemoveAll(opts.Socket); err != nil {
		return nil, fmt.Errorf("failed to remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", opts.Socket)
	if err != nil {
		return nil, fmt.Errorf("failed to create socket: %w", err)
	}

	if err := os.Chmod(opts.Socket, 0666); err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}

	return &Server{
		listener: listener,
		socket:   opts.Socket,
		manager:  opts.Manager,
		store:    opts.Store,
		ctrl:     opts.Admission,
		guard:    opts.Guard,
		log:      opts.Log.WithField("component", "daemon"),
	}, nil
}

// Start accepts connections until Close is called.
func (s *Server) Start() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("failed to accept connection: %w", err)
		}
		go s.handleConnection(conn)
	}
}

// Close stops accepting and removes the socket file.
func (s *Server) Close() error {
	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close listener: %w", err)
	}
	return os.RemoveAll(s.socket)
}

// handleConnection serves exactly one command per connection.
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	cmd, err := ipc.ReadCommand(conn)
	if err != nil {
		s.log.WithError(err).Warn("bad request")
		s.reply(conn, ipc.NewResponse(nil, fmt.Errorf("invalid command: %w", err)))
		return
	}

	log := s.log.WithField("command", cmd.Type)
	if cmd.Name != "" {
		log = log.WithField("task", cmd.Name)
	}
	log.Debug("received command")

	ctx, cancel := context.WithTimeout(context.Background(), connTimeout)
	defer cancel()

	resp := s.dispatch(ctx, cmd)
	if !resp.Success {
		log.WithField("error", resp.Error).Info("command failed")
	}
	s.reply(conn, resp)
}

func (s *Server) dispatch(ctx context.Context, cmd *ipc.Command) *ipc.Response {
	switch cmd.Type {
	case ipc.CmdAdd:
		if cmd.Task == nil {
			return ipc.NewResponse(nil, fmt.Errorf("%w: task definition is required", backup.ErrInvalidTask))
		}
		return ipc.NewResponse(nil, s.manager.AddTask(*cmd.Task))
	case ipc.CmdList:
		return ipc.NewResponse(s.manager.ListTasks(), nil)
	case ipc.CmdEdit:
		if cmd.Task == nil {
			return ipc.NewResponse(nil, fmt.Errorf("%w: task definition is required", backup.ErrInvalidTask))
		}
		return ipc.NewResponse(nil, s.manager.EditTask(cmd.Name, *cmd.Task))
	case ipc.CmdRename:
		return ipc.NewResponse(nil, s.manager.RenameTask(cmd.Name, cmd.NewName))
	case ipc.CmdDelete:
		return ipc.NewResponse(nil, s.manager.DeleteTask(cmd.Name))
	case ipc.CmdClear:
		n, err := s.manager.ClearTasks()
		return ipc.NewResponse(ipc.ClearData{Removed: n}, err)
	case ipc.CmdRun:
		return ipc.NewResponse(nil, s.manager.RunBackup(ctx, cmd.Name))
	case ipc.CmdRunAll:
		return ipc.NewResponse(nil, s.manager.RunAll(ctx))
	case ipc.CmdPause:
		return ipc.NewResponse(nil, s.manager.PauseTask(cmd.Name))
	case ipc.CmdResume:
		return ipc.NewResponse(nil, s.manager.ResumeTask(cmd.Name))
	case ipc.CmdStop:
		return ipc.NewResponse(nil, s.manager.StopTask(cmd.Name))
	case ipc.CmdStatus:
		return s.handleStatus(ctx)
	case ipc.CmdStats:
		return s.handleStats(ctx)
	case ipc.CmdSetThreshold:
		return s.handleSetThreshold(cmd.Bytes)
	case ipc.CmdResetStats:
		s.ctrl.ResetStats()
		return ipc.NewResponse(nil, nil)
	default:
		return ipc.NewResponse(nil, fmt.Errorf("unknown command type: %s", cmd.Type))
	}
}

func (s *Server) handleStatus(ctx context.Context) *ipc.Response {
	states, err := s.store.Snapshot(ctx)
	if err != nil {
		return ipc.NewResponse(nil, err)
	}
	return ipc.NewResponse(ipc.StatusData{
		States:  states,
		Running: s.manager.Running(),
	}, nil)
}

func (s *Server) handleStats(ctx context.Context) *ipc.Response {
	data := ipc.StatsData{
		Admission: s.ctrl.Stats(),
		Threshold: s.ctrl.Threshold(),
	}
	if s.guard != nil {
		data.GuardProcess = s.guard.Name()
		data.GuardMatches = s.guard.Running(ctx)
	}
	return ipc.NewResponse(data, nil)
}

// handleSetThreshold reclassifies files admitted from now on. Transfers
// already holding the slot keep it until they finish.
func (s *Server) handleSetThreshold(bytes int64) *ipc.Response {
	if bytes <= 0 {
		return ipc.NewResponse(nil, fmt.Errorf("threshold must be greater than 0, got %d", bytes))
	}
	prev := s.ctrl.Threshold()
	s.ctrl.SetThreshold(bytes)
	s.log.WithFields(logrus.Fields{"from": prev, "to": bytes}).Info("large file threshold changed")
	return ipc.NewResponse(nil, nil)
}

func (s *Server) reply(conn net.Conn, resp *ipc.Response) {
	if err := ipc.Write(conn, resp); err != nil {
		s.log.WithError(err).Warn("failed to send response")
	}
}
