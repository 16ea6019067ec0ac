package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

func newSubmitCmd() *cobra.Command {
	var (
		agent    string
		wait     bool
		interval time.Duration
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit [json|-]",
		Short: "Submit a command payload",
		Long: `Submits a JSON payload as a new command and prints its id and result
location. The payload is read from the argument, or from stdin when the
argument is "-" or omitted. With --wait the result is polled and printed.

Examples:
  cmdqctl submit '{"report":"daily"}'
  echo '{}' | cmdqctl submit --wait
  cmdqctl submit '{}' --agent runner@proj.iam.gserviceaccount.com`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			c := apiClient()
			created, err := c.Submit(ctx, payload, agent)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !wait {
				fmt.Fprintf(out, "Command:  %s\n", created.CommandID)
				fmt.Fprintf(out, "Location: %s\n", created.Location)
				return nil
			}

			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			result, err := c.Wait(ctx, created.CommandID, interval)
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("command %s still pending after %s", created.CommandID, timeout)
			}
			if err != nil {
				return err
			}
			return printJSON(out, result)
		},
	}

	cmd.Flags().StringVar(&agent, "agent", "", "only this agent identity may complete the command")
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the result is available and print it")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval with --wait")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "give up waiting after this long")
	return cmd
}

func newResultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "result <id>",
		Short: "Poll a command once and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			res, err := apiClient().Result(ctx, args[0])
			if err != nil {
				return err
			}
			if !res.Ready {
				fmt.Fprintln(cmd.OutOrStdout(), "pending")
				return nil
			}
			return printJSON(cmd.OutOrStdout(), res.Body)
		},
	}
}

func readPayload(stdin io.Reader, args []string) (json.RawMessage, error) {
	var data []byte
	if len(args) == 1 && args[0] != "-" {
		data = []byte(args[0])
	} else {
		var err error
		data, err = io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
	}
	data = bytes.TrimSpace(data)
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return data, nil
}

func printJSON(w io.Writer, data []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		_, err = w.Write(data)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}
