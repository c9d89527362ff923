package ptyhost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"pkt.systems/pslog"
	"pkt.systems/termlink/schema"
)

const (
	readChunkBytes = 32 * 1024
	killGrace      = 2 * time.Second
)

type session struct {
	key     schema.SessionKey
	cmd     *exec.Cmd
	pty     *os.File
	log     pslog.Logger
	credit  *creditGate
	limiter *rate.Limiter

	writeMu sync.Mutex

	mu       sync.Mutex
	ring     *ring
	parser   modeParser
	seq      int64
	running  bool
	exitErr  error
	done     chan struct{}
	killOnce sync.Once
}

func newSession(key schema.SessionKey, cmd *exec.Cmd, file *os.File, opts Options, log pslog.Logger) *session {
	limit := rate.Inf
	burst := opts.InputBurstBytes
	if opts.InputRateBytes > 0 {
		limit = rate.Limit(opts.InputRateBytes)
		if burst <= 0 {
			burst = opts.InputRateBytes
		}
	}
	return &session{
		key:     key,
		cmd:     cmd,
		pty:     file,
		log:     log,
		credit:  newCreditGate(opts.Clock, opts.CreditTimeout),
		limiter: rate.NewLimiter(limit, burst),
		ring:    newRing(opts.BacklogBytes),
		running: true,
		done:    make(chan struct{}),
	}
}

func (s *session) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// readLoop pumps PTY output until the shell exits. Each chunk is sequenced
// and recorded before it waits for credit, so a bootstrap taken meanwhile
// already covers it.
func (s *session) readLoop(publish func(schema.StreamEvent), onExit func(*session, error)) {
	buf := make([]byte, readChunkBytes)
	for {
		n, err := s.pty.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			s.mu.Lock()
			s.seq++
			seq := s.seq
			s.ring.write(data)
			changed := s.parser.feed(data)
			mode := s.parser.modes.mode()
			s.mu.Unlock()

			if !s.credit.take(int64(n)) && s.isRunning() {
				s.log.Debug("terminal credit wait expired", "bytes", n, "seq", seq)
			}
			publish(schema.StreamEvent{
				Topic: schema.TopicOutput,
				Output: &schema.OutputPayload{
					WorkspaceID: s.key.WorkspaceID,
					TerminalID:  s.key.TerminalID,
					Seq:         seq,
					Data:        data,
				},
			})
			if changed {
				publish(schema.StreamEvent{
					Topic: schema.TopicModes,
					Modes: &schema.ModesPayload{
						WorkspaceID:   s.key.WorkspaceID,
						TerminalID:    s.key.TerminalID,
						AltScreen:     mode.AltScreen,
						Mouse:         mode.Mouse,
						MouseSGR:      mode.MouseSGR,
						MouseEncoding: mode.MouseEncoding,
					},
				})
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				s.log.Debug("terminal pty read ended", "err", err)
			}
			break
		}
	}
	waitErr := s.cmd.Wait()
	_ = s.pty.Close()
	s.credit.close()
	s.mu.Lock()
	s.running = false
	s.exitErr = waitErr
	s.mu.Unlock()
	close(s.done)
	onExit(s, waitErr)
}

func (s *session) write(ctx context.Context, data []byte) error {
	if !s.isRunning() {
		return schema.ErrTerminalNotStarted
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for remaining := data; len(remaining) > 0; {
		chunk := remaining
		if burst := s.limiter.Burst(); s.limiter.Limit() != rate.Inf && len(chunk) > burst {
			chunk = chunk[:burst]
		}
		if err := s.limiter.WaitN(ctx, len(chunk)); err != nil {
			return fmt.Errorf("%w: %v", schema.ErrRateLimited, err)
		}
		if _, err := s.pty.Write(chunk); err != nil {
			if errors.Is(err, os.ErrClosed) {
				return schema.ErrTerminalNotStarted
			}
			return fmt.Errorf("write pty: %w", err)
		}
		remaining = remaining[len(chunk):]
	}
	return nil
}

func (s *session) resize(cols, rows int) error {
	if !s.isRunning() {
		return schema.ErrTerminalNotStarted
	}
	if err := resizePTY(s.pty, cols, rows); err != nil {
		return fmt.Errorf("resize pty: %w", err)
	}
	return nil
}

// kill hangs up the process group and escalates to SIGKILL when the shell
// is still alive after a grace period.
func (s *session) kill() {
	s.killOnce.Do(func() {
		s.credit.close()
		if err := signalGroup(s.cmd, unix.SIGHUP); err != nil {
			s.log.Warn("terminal hangup failed", "err", err)
		}
		go func() {
			timer := time.NewTimer(killGrace)
			defer timer.Stop()
			select {
			case <-s.done:
			case <-timer.C:
				s.log.Warn("terminal did not exit after hangup; killing")
				_ = signalGroup(s.cmd, unix.SIGKILL)
			}
		}()
	})
}

func (s *session) bootstrap(initialCredit int64) schema.BootstrapPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	modes := s.parser.modes
	mode := modes.mode()
	backlog := s.ring.bytes()
	truncated := s.ring.truncated()
	if truncated {
		backlog = append(modes.replayPrefix(), backlog...)
	}
	return schema.BootstrapPayload{
		WorkspaceID:      s.key.WorkspaceID,
		TerminalID:       s.key.TerminalID,
		Backlog:          backlog,
		BacklogSource:    "ring",
		BacklogTruncated: truncated,
		NextOffset:       s.ring.offset(),
		NextSeq:          s.seq + 1,
		Source:           "ptyhost",
		AltScreen:        mode.AltScreen,
		Mouse:            mode.Mouse,
		MouseSGR:         mode.MouseSGR,
		MouseEncoding:    mode.MouseEncoding,
		SafeToReplay:     !mode.AltScreen && s.ring.offset() > 0,
		InitialCredit:    initialCredit,
	}
}

func exitMessage(err error) string {
	if err == nil {
		return "exit status 0"
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Error()
	}
	return err.Error()
}
