package cli

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/r9s-ai/provider-relay/internal/relayserver"
)

func newReloadCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask a running relay to reload its config (SIGHUP via the pid file)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			pidFile := strings.TrimSpace(cfg.Server.PidFile)
			if pidFile == "" {
				return fmt.Errorf("server.pid_file is empty")
			}
			pid, err := relayserver.ReadPIDFile(pidFile)
			if err != nil {
				return fmt.Errorf("read pid file: %w", err)
			}
			if err := sendReload(pid); err != nil {
				return err
			}
			writeln(cmd.OutOrStdout(), okStyle.Render("reload signal sent")+faintStyle.Render(fmt.Sprintf(" pid=%d", pid)))
			return nil
		},
	}
}

func sendReload(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process pid=%d: %w", pid, err)
	}
	if err := p.Signal(syscall.SIGHUP); err != nil {
		return fmt.Errorf("send SIGHUP pid=%d: %w", pid, err)
	}
	return nil
}
