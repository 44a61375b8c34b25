package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/r9s-ai/provider-relay/internal/config"
	"github.com/r9s-ai/provider-relay/pkg/endpoint"
)

func newCheckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the resolved configuration and exit (no network)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			w := cmd.OutOrStdout()
			_, _ = fmt.Fprint(w, kvTable(summaryRows(cfg)))
			writeln(w, okStyle.Render("configuration ok"))
			return nil
		},
	}
}

func summaryRows(cfg *config.Config) [][2]string {
	source := cfg.Path
	if source == "" {
		source = faintStyle.Render("(no file, defaults and env)")
	}
	var enabled []string
	for _, f := range endpoint.Forwardable {
		if cfg.Endpoints.Enabled(f) {
			enabled = append(enabled, f.Path())
		}
	}
	policy := "-"
	if fields := cfg.Routing.Policy.SetFields(); len(fields) > 0 {
		names := make([]string, len(fields))
		for i, f := range fields {
			names[i] = string(f)
		}
		policy = strings.Join(names, ",")
	}
	auth := "off"
	if cfg.Auth.APIKey != "" {
		auth = "on"
	}
	target := cfg.Transform.TargetModel
	if target == "" {
		target = "-"
	}
	return [][2]string{
		{"config", source},
		{"listen", cfg.Server.Listen},
		{"upstream", cfg.Upstream.BaseURL},
		{"upstream key", config.MaskValue(cfg.Upstream.APIKey)},
		{"timeout", strconv.Itoa(cfg.Upstream.TimeoutMs) + "ms"},
		{"merge mode", string(cfg.Mode())},
		{"soft enforce", strconv.FormatBool(cfg.Routing.SoftEnforceOnly)},
		{"policy fields", policy},
		{"target model", target},
		{"endpoints", strings.Join(enabled, " ")},
		{"local auth", auth},
		{"traffic dump", strconv.FormatBool(cfg.TrafficDump.Enabled)},
	}
}
