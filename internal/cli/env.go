package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/r9s-ai/provider-relay/internal/config"
)

func newPrintEnvCmd(opts *rootOptions) *cobra.Command {
	var (
		reveal bool
		export bool
	)
	cmd := &cobra.Command{
		Use:   "print-env",
		Short: "Print the resolved configuration as RELAY_* variables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			w := cmd.OutOrStdout()
			for _, p := range cfg.EnvPairs() {
				v := p.Value
				if p.Secret && !reveal {
					v = config.MaskValue(v)
				}
				if export {
					writeln(w, fmt.Sprintf("export %s=%s", p.Name, shellQuote(v)))
					continue
				}
				writeln(w, p.Name+"="+v)
			}
			return nil
		},
	}
	fs := cmd.Flags()
	fs.BoolVar(&reveal, "reveal", false, "print secrets in clear text")
	fs.BoolVar(&export, "export", false, "print as shell export lines")
	return cmd
}

func shellQuote(v string) string {
	out := "'"
	for _, r := range v {
		if r == '\'' {
			out += `'\''`
			continue
		}
		out += string(r)
	}
	return out + "'"
}
