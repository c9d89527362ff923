package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"pkt.systems/pslog"
	"pkt.systems/termlink"
	"pkt.systems/termlink/core"
	"pkt.systems/termlink/internal/appconfig"
	"pkt.systems/termlink/schema"
)

// detachByte is ctrl-].
const detachByte = 0x1d

func newAttachCmd() *cobra.Command {
	var cfgPath string
	var serverURL string
	var workspace string
	var terminal string
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Attach the current terminal to a host session (ctrl-] detaches)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if serverURL != "" {
				cfg.Client.ServerURL = serverURL
			}
			if workspace != "" {
				cfg.Client.WorkspaceID = workspace
			}
			if terminal != "" {
				cfg.Client.TerminalID = terminal
			}
			key, err := schema.NewSessionKey(cfg.Client.WorkspaceID, cfg.Client.TerminalID)
			if err != nil {
				return err
			}
			return runAttach(cmd.Context(), cfg, key, os.Stdin, os.Stdout)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&serverURL, "server", "", "override client.server_url")
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "workspace id")
	cmd.Flags().StringVarP(&terminal, "terminal", "t", "", "terminal id")
	return cmd
}

func runAttach(ctx context.Context, cfg appconfig.Config, key schema.SessionKey, stdin, stdout *os.File) error {
	logger := pslog.Ctx(ctx).With("workspace_id", key.WorkspaceID, "terminal_id", key.TerminalID)
	streamCfg, err := cfg.StreamSettings()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	watcher := newSessionWatcher(key)
	client, err := termlink.NewClient(ctx, termlink.ClientConfig{
		ServerURL:      cfg.Client.ServerURL,
		Token:          cfg.Client.Token,
		RequestTimeout: cfg.Client.RequestTimeout(),
		Stream:         streamCfg,
		StateDir:       cfg.StateDir,
	}, termlink.ClientDeps{
		Renderer: &streamRenderer{key: key, out: stdout},
		Sinks:    []core.StateSink{watcher},
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer client.Close()
	coordinator := client.Coordinator()

	inFd := int(stdin.Fd())
	if term.IsTerminal(inFd) {
		state, err := term.MakeRaw(inFd)
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		defer func() { _ = term.Restore(inFd, state) }()
	}

	if err := client.Open(ctx, key); err != nil {
		return err
	}
	resize := func() {
		cols, rows, err := term.GetSize(int(stdout.Fd()))
		if err != nil {
			return
		}
		if err := coordinator.Resize(ctx, key, cols, rows); err != nil {
			logger.Debug("terminal resize failed", "err", err)
		}
	}
	resize()

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, unix.SIGWINCH)
	defer signal.Stop(winch)
	terminate := make(chan os.Signal, 1)
	signal.Notify(terminate, unix.SIGTERM, unix.SIGHUP)
	defer signal.Stop(terminate)

	detached := make(chan error, 1)
	go func() {
		detached <- pumpInput(ctx, stdin, func(data []byte) error {
			return coordinator.SendInput(ctx, key, data)
		})
	}()

	for {
		select {
		case <-winch:
			resize()
		case <-terminate:
			return nil
		case <-watcher.Closed():
			return nil
		case err := <-detached:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case <-ctx.Done():
			return nil
		}
	}
}

// pumpInput forwards stdin to send until the detach byte, EOF or a send error.
func pumpInput(ctx context.Context, r io.Reader, send func([]byte) error) error {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data, detach := splitDetach(buf[:n])
			if len(data) > 0 {
				if sendErr := send(append([]byte(nil), data...)); sendErr != nil && !errors.Is(sendErr, schema.ErrTerminalNotStarted) {
					return sendErr
				}
			}
			if detach {
				return nil
			}
		}
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// splitDetach returns the bytes before a detach byte and whether one was seen.
func splitDetach(data []byte) ([]byte, bool) {
	if idx := bytes.IndexByte(data, detachByte); idx >= 0 {
		return data[:idx], true
	}
	return data, false
}

type streamRenderer struct {
	key schema.SessionKey
	out io.Writer
}

func (r *streamRenderer) CanWrite(key schema.SessionKey) bool {
	return key == r.key
}

func (r *streamRenderer) WriteChunk(_ schema.SessionKey, data []byte, onWritten func()) {
	_, _ = r.out.Write(data)
	if onWritten != nil {
		onWritten()
	}
}

// sessionWatcher closes Closed once a session that reached ready drops back
// to standby, which is how the host reports the shell exiting.
type sessionWatcher struct {
	key    schema.SessionKey
	mu     sync.Mutex
	ready  bool
	once   sync.Once
	closed chan struct{}
}

func newSessionWatcher(key schema.SessionKey) *sessionWatcher {
	return &sessionWatcher{key: key, closed: make(chan struct{})}
}

func (w *sessionWatcher) OnSessionState(snapshot schema.SessionSnapshot) {
	if snapshot.Key != w.key {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	switch snapshot.Status {
	case schema.StatusReady:
		w.ready = true
	case schema.StatusStandby:
		if w.ready {
			w.once.Do(func() { close(w.closed) })
		}
	}
}

func (w *sessionWatcher) Closed() <-chan struct{} {
	return w.closed
}
