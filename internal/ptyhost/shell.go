package ptyhost

import (
	"errors"
	"os"
	"os/exec"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

const (
	defaultCols = 80
	defaultRows = 24
)

// spawnShell starts shell on a new PTY in dir. creack/pty makes the child a
// session leader, so its pid doubles as the process group id.
func spawnShell(shell, dir string, env []string, cols, rows int) (*exec.Cmd, *os.File, error) {
	cmd := exec.Command(shell, "-i")
	cmd.Dir = dir
	cmd.Env = append(append(os.Environ(), env...),
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
	)
	if cols <= 0 {
		cols = defaultCols
	}
	if rows <= 0 {
		rows = defaultRows
	}
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, nil, err
	}
	return cmd, ptmx, nil
}

func resizePTY(file *os.File, cols, rows int) error {
	return pty.Setsize(file, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// signalGroup delivers sig to the whole process group of cmd.
func signalGroup(cmd *exec.Cmd, sig unix.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	err := unix.Kill(-cmd.Process.Pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
