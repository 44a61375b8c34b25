package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/r9s-ai/provider-relay/internal/dumpstore"
	"github.com/r9s-ai/provider-relay/internal/tui"
)

func newDumpsCmd(opts *rootOptions) *cobra.Command {
	var (
		dir   string
		limit int
		ui    bool
	)
	cmd := &cobra.Command{
		Use:   "dumps",
		Short: "List recorded traffic dumps, or browse them with --tui",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(dir) == "" {
				cfg, err := opts.load(cmd)
				if err != nil {
					return fmt.Errorf("config: %w", err)
				}
				dir = cfg.TrafficDump.Dir
			}
			if ui {
				return tui.Run(dir, limit, cmd.InOrStdin(), cmd.OutOrStdout())
			}
			items, err := dumpstore.List(dumpstore.ListOptions{Dir: dir, Limit: limit})
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(items) == 0 {
				writeln(w, faintStyle.Render("no dumps in "+dir))
				return nil
			}
			for _, s := range items {
				writeln(w, dumpstore.FormatRow(s))
			}
			return nil
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&dir, "dir", "", "dump directory (default: traffic_dump.dir from config)")
	fs.IntVar(&limit, "limit", 50, "max dumps to list")
	fs.BoolVar(&ui, "tui", false, "open the interactive viewer")
	return cmd
}
