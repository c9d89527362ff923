package main

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"pkt.systems/termlink/internal/auth"
)

const defaultTokenLength = 32

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage host bearer tokens",
	}
	cmd.AddCommand(newTokenHashCmd())
	return cmd
}

func newTokenHashCmd() *cobra.Command {
	var fromStdin bool
	var generate bool
	cmd := &cobra.Command{
		Use:   "hash",
		Short: "Print a bcrypt hash for host.token_hash",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, generated, err := resolveToken(cmd, fromStdin, generate)
			if err != nil {
				return err
			}
			hash, err := auth.HashToken(token)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if generated {
				_, _ = fmt.Fprintf(out, "token: %s\n", token)
			}
			_, err = fmt.Fprintf(out, "token_hash: %s\n", hash)
			return err
		},
	}
	cmd.Flags().BoolVar(&fromStdin, "token-from-stdin", false, "read the token from stdin")
	cmd.Flags().BoolVar(&generate, "generate", false, "generate a random token")
	return cmd
}

func resolveToken(cmd *cobra.Command, fromStdin, generate bool) (string, bool, error) {
	if fromStdin && generate {
		return "", false, errors.New("choose one of --token-from-stdin or --generate")
	}
	if fromStdin {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", false, err
		}
		token := strings.TrimSpace(string(data))
		if token == "" {
			return "", false, errors.New("token from stdin is empty")
		}
		return token, false, nil
	}
	if generate {
		token, err := generateToken(defaultTokenLength)
		if err != nil {
			return "", false, err
		}
		return token, true, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", false, errors.New("stdin is not a terminal; use --token-from-stdin")
	}
	_, _ = fmt.Fprint(cmd.ErrOrStderr(), "Token: ")
	token, err := term.ReadPassword(fd)
	_, _ = fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", false, err
	}
	if strings.TrimSpace(string(token)) == "" {
		return "", false, errors.New("token is empty")
	}
	return string(token), false, nil
}

func generateToken(length int) (string, error) {
	if length <= 0 {
		length = defaultTokenLength
	}
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = charset[int(b)%len(charset)]
	}
	return string(buf), nil
}
