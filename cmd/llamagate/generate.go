package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"llamagate/internal/gateway"
	"llamagate/pkg/types"
)

func newCheckCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Open the configured model and close it again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), o)
			if err != nil {
				return err
			}
			st := a.svc.Status()
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %s (%d MB, engine %s, %d session(s))\n", st.Model.ID, st.Model.SizeMB, st.Engine, st.Capacity)
			return a.close()
		},
	}
}

func newGenerateCmd(o *rootOptions) *cobra.Command {
	var (
		maxTokens int
		mode      string
	)
	cmd := &cobra.Command{
		Use:   "generate [prompt]",
		Short: "Run one prompt through the gateway without HTTP",
		Long:  "Run one prompt through the gateway without HTTP. The prompt is read from stdin when no argument is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := promptFrom(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			req := types.GenerateRequest{Prompt: prompt, Mode: mode}
			if cmd.Flags().Changed("max-tokens") {
				req.MaxTokens = &maxTokens
			}
			a, err := newApp(cmd.Context(), o)
			if err != nil {
				return err
			}
			out := a.svc.Respond(cmd.Context(), req)
			if cerr := a.close(); cerr != nil {
				a.log.Warn().Err(cerr).Msg("close")
			}
			return printOutcome(cmd.OutOrStdout(), cmd.ErrOrStderr(), out)
		},
	}
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "Maximum new tokens (default from config)")
	cmd.Flags().StringVar(&mode, "mode", "", "Prompt mode: chat|code")
	return cmd
}

func promptFrom(args []string, stdin io.Reader) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}

func printOutcome(w, errw io.Writer, out gateway.Outcome) error {
	if out.Kind != gateway.KindOK {
		if len(out.Violations) > 0 {
			return fmt.Errorf("%s: %s", out.Kind, strings.Join(out.Violations, "; "))
		}
		return fmt.Errorf("%s: %s", out.Kind, out.Reason)
	}
	for _, warn := range out.Meta.Warnings {
		fmt.Fprintln(errw, "warning:", warn)
	}
	_, err := fmt.Fprintln(w, out.Text)
	return err
}
