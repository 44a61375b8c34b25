// Package cli is the provider-relay command line.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/r9s-ai/provider-relay/internal/config"
	"github.com/r9s-ai/provider-relay/internal/relayserver"
	"github.com/r9s-ai/provider-relay/internal/version"
)

// Run executes the command line and returns the process exit code.
func Run(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, errorStyle.Render("error: ")+err.Error())
		return 1
	}
	return 0
}

// rootOptions holds the flags shared by every command that loads config.
type rootOptions struct {
	cfgPath         string
	listen          string
	upstream        string
	apiKey          string
	mergeMode       string
	softEnforceOnly bool
	targetModel     string
	timeoutMs       int
	providerOrder   []string
	providerOnly    []string
	providerIgnore  []string
	providerSort    string
}

func (o *rootOptions) bind(fs *pflag.FlagSet) {
	fs.StringVarP(&o.cfgPath, "config", "c", config.DefaultPath, "config yaml path")
	fs.StringVar(&o.listen, "listen", "", "listen address, e.g. 127.0.0.1:8787")
	fs.StringVar(&o.upstream, "upstream", "", "upstream base url")
	fs.StringVar(&o.apiKey, "api-key", "", "upstream api key")
	fs.StringVar(&o.mergeMode, "merge-mode", "", "routing merge mode: merge|override|strict")
	fs.BoolVar(&o.softEnforceOnly, "soft-enforce-only", false, "narrow the client's provider.only to the configured list")
	fs.StringVar(&o.targetModel, "target-model", "", "model that replaces helper model requests")
	fs.IntVar(&o.timeoutMs, "timeout-ms", 0, "per-attempt upstream timeout in milliseconds")
	fs.StringSliceVar(&o.providerOrder, "provider-order", nil, "provider.order, comma separated")
	fs.StringSliceVar(&o.providerOnly, "provider-only", nil, "provider.only, comma separated")
	fs.StringSliceVar(&o.providerIgnore, "provider-ignore", nil, "provider.ignore, comma separated")
	fs.StringVar(&o.providerSort, "provider-sort", "", "provider.sort as by[:partition], e.g. price or throughput:none")
}

// overrides turns the flags that were set into config overrides.
func (o *rootOptions) overrides(fs *pflag.FlagSet) *config.Overrides {
	ov := &config.Overrides{
		Listen:          o.listen,
		UpstreamBaseURL: o.upstream,
		UpstreamAPIKey:  o.apiKey,
		MergeMode:       o.mergeMode,
		TargetModel:     o.targetModel,
		TimeoutMs:       o.timeoutMs,
		ProviderSort:    o.providerSort,
	}
	if fs.Changed("soft-enforce-only") {
		v := o.softEnforceOnly
		ov.SoftEnforceOnly = &v
	}
	if fs.Changed("provider-order") {
		ov.ProviderOrder = append([]string{}, o.providerOrder...)
	}
	if fs.Changed("provider-only") {
		ov.ProviderOnly = append([]string{}, o.providerOnly...)
	}
	if fs.Changed("provider-ignore") {
		ov.ProviderIgnore = append([]string{}, o.providerIgnore...)
	}
	return ov
}

func (o *rootOptions) load(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(o.cfgPath, o.overrides(cmd.Flags()))
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "provider-relay",
		Short:         "Routing-policy relay in front of an OpenAI/Anthropic compatible gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return relayserver.Run(opts.cfgPath, opts.overrides(cmd.Flags()))
		},
	}
	opts.bind(cmd.PersistentFlags())
	cmd.AddCommand(
		newServeCmd(opts),
		newCheckCmd(opts),
		newPrintEnvCmd(opts),
		newReloadCmd(opts),
		newEncryptCmd(),
		newGenMasterKeyCmd(),
		newDumpsCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay (default command)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return relayserver.Run(opts.cfgPath, opts.overrides(cmd.Flags()))
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.Get())
			return err
		},
	}
}

func writeln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}
