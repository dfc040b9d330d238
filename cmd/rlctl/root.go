package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/genxfx/genx-gateway/internal/version"
)

const (
	outputJSON = "json"
	outputYAML = "yaml"

	// addrEnv overrides the --addr default.
	addrEnv = "GENX_RLCTL_ADDR"
)

type rootOptions struct {
	addr    string
	output  string
	timeout time.Duration
	hc      *http.Client
}

func (o *rootOptions) client() (*adminClient, error) {
	hc := o.hc
	if hc == nil {
		hc = &http.Client{Timeout: o.timeout}
	}
	return newAdminClient(o.addr, hc)
}

// render writes v in the selected output format.
func (o *rootOptions) render(w io.Writer, v any) error {
	switch o.output {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output %q (valid are %s|%s)", o.output, outputJSON, outputYAML)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	return newRootCmdWithClient(out, nil)
}

// newRootCmdWithClient lets tests inject the HTTP client.
func newRootCmdWithClient(out io.Writer, hc *http.Client) *cobra.Command {
	o := &rootOptions{hc: hc}

	defAddr := "127.0.0.1:9000"
	if v := os.Getenv(addrEnv); v != "" {
		defAddr = v
	}

	root := &cobra.Command{
		Use:           "rlctl",
		Short:         "Inspect and reset " + version.AppName + " rate limit state",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if o.output != outputJSON && o.output != outputYAML {
				return fmt.Errorf("unknown output %q (valid are %s|%s)", o.output, outputJSON, outputYAML)
			}
			return nil
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&o.addr, "addr", defAddr, "admin listener address, also "+addrEnv)
	root.PersistentFlags().StringVarP(&o.output, "output", "o", outputJSON, "output format: json|yaml")
	root.PersistentFlags().DurationVar(&o.timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(newLimitsCmd(o), newClientsCmd(o), newVersionCmd())
	return root
}

func newLimitsCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "limits",
		Short: "Show the configured limits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}
			l, err := c.Limits(cmd.Context())
			if err != nil {
				return err
			}
			return o.render(cmd.OutOrStdout(), l)
		},
	}
}

func newClientsCmd(o *rootOptions) *cobra.Command {
	clients := &cobra.Command{
		Use:     "clients",
		Aliases: []string{"client"},
		Short:   "List, show or reset tracked clients",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List tracked clients with their window usage, sorted by key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}
			resp, err := c.Clients(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return o.render(cmd.OutOrStdout(), resp)
		},
	}
	list.Flags().IntVar(&limit, "limit", 0, "max clients to return (0 uses the server default)")

	show := &cobra.Command{
		Use:   "show KEY",
		Short: "Show one client's burst, minute and hour usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}
			u, err := c.Client(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return o.render(cmd.OutOrStdout(), u)
		},
	}

	reset := &cobra.Command{
		Use:   "reset KEY",
		Short: "Forget a client's history so it starts with full quotas",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}
			if err := c.Reset(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", args[0])
			return nil
		},
	}

	clients.AddCommand(list, show, reset)
	return clients
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the rlctl build",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rlctl %s\n", version.Get().String())
		},
	}
}
