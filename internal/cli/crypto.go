package cli

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/r9s-ai/provider-relay/internal/secret"
)

func newEncryptCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a secret to ENC[v1:aesgcm:...] using " + secret.MasterKeyEnv,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			plain, err := resolveEncryptPlaintext(text, cmd.InOrStdin(), isTerminalReader(cmd.InOrStdin()))
			if err != nil {
				return err
			}
			if plain == "" {
				return errors.New("missing input: provide --text, enter a line, or pipe stdin")
			}
			out, err := secret.Encrypt(plain)
			if err != nil {
				return fmt.Errorf("encrypt: %w", err)
			}
			writeln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "plain text to encrypt (if empty, read from stdin)")
	return cmd
}

// resolveEncryptPlaintext prefers text, then one line from a terminal, then
// all of piped stdin.
func resolveEncryptPlaintext(text string, in io.Reader, inTerminal bool) (string, error) {
	if plain := strings.TrimSpace(text); plain != "" {
		return plain, nil
	}
	if inTerminal {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return strings.TrimSpace(line), nil
	}
	b, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

func isTerminalReader(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func newGenMasterKeyCmd() *cobra.Command {
	var (
		format     string
		exportLine bool
	)
	cmd := &cobra.Command{
		Use:   "gen-master-key",
		Short: "Generate a random " + secret.MasterKeyEnv,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			buf := make([]byte, 32)
			if _, err := rand.Read(buf); err != nil {
				return fmt.Errorf("generate random key: %w", err)
			}
			var out string
			switch strings.ToLower(strings.TrimSpace(format)) {
			case "base64":
				out = base64.StdEncoding.EncodeToString(buf)
			case "base64url":
				out = base64.RawURLEncoding.EncodeToString(buf)
			default:
				return errors.New("invalid --format, expect base64 or base64url")
			}
			if exportLine {
				writeln(cmd.OutOrStdout(), fmt.Sprintf("export %s='%s'", secret.MasterKeyEnv, out))
				return nil
			}
			writeln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&format, "format", "base64", "output format: base64|base64url")
	fs.BoolVar(&exportLine, "export", false, "print as shell export line")
	return cmd
}
