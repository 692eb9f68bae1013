package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "archivectl",
		Short:         "Message archive CLI",
		Long:          "A CLI for reading messages from the message archive.",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			loadConfig()
			// Env var overrides are applied in newClient()
		},
	}
	root.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json")

	root.AddCommand(messagesCmd())
	root.AddCommand(configCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		printError(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// --- messages ---

type filterFlags struct {
	chatID string
	userID string
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.chatID, "chat-id", "", "Only messages from this chat")
	cmd.Flags().StringVar(&f.userID, "user-id", "", "Only messages from this user")
}

func (f *filterFlags) query() (url.Values, error) {
	q := url.Values{}
	for _, p := range []struct{ flag, param, value string }{
		{"chat-id", "chat_id", f.chatID},
		{"user-id", "user_id", f.userID},
	} {
		if p.value == "" {
			continue
		}
		if _, err := strconv.ParseInt(p.value, 10, 64); err != nil {
			return nil, fmt.Errorf("--%s must be an integer", p.flag)
		}
		q.Set(p.param, p.value)
	}
	return q, nil
}

func messagesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "messages", Short: "Read archived messages"}

	var listFilters filterFlags
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List one page of messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := listFilters.query()
			if err != nil {
				return err
			}
			if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			if after, _ := cmd.Flags().GetString("start-after"); after != "" {
				q.Set("start_after", after)
			}
			result, err := newClient().get("/messages", q)
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), result, "messages")
			return nil
		},
	}
	listFilters.register(listCmd)
	listCmd.Flags().Int("limit", 0, "Page size (server default when 0)")
	listCmd.Flags().String("start-after", "", "Continue after this message id")

	var batchFilters filterFlags
	batchCmd := &cobra.Command{
		Use:   "batch",
		Short: "Fetch a batch of messages for processing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := batchFilters.query()
			if err != nil {
				return err
			}
			body := map[string]any{}
			for k := range q {
				n, _ := strconv.ParseInt(q.Get(k), 10, 64)
				body[k] = n
			}
			if size, _ := cmd.Flags().GetInt("batch-size"); size > 0 {
				body["batch_size"] = size
			}
			result, err := newClient().post("/messages/batch", body)
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), result, "messages")
			return nil
		},
	}
	batchFilters.register(batchCmd)
	batchCmd.Flags().Int("batch-size", 0, "Batch size (server default when 0)")

	var exportFilters filterFlags
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write every matching message as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := exportFilters.query()
			if err != nil {
				return err
			}
			if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			out := cmd.OutOrStdout()
			if path, _ := cmd.Flags().GetString("output"); path != "" {
				f, err := os.Create(path)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			n, err := exportMessages(newClient(), q, out)
			fmt.Fprintf(cmd.ErrOrStderr(), "exported %d messages\n", n)
			return err
		},
	}
	exportFilters.register(exportCmd)
	exportCmd.Flags().Int("limit", 0, "Page size used while exporting")
	exportCmd.Flags().StringP("output", "o", "", "Write to this file instead of stdout")

	cmd.AddCommand(listCmd, batchCmd, exportCmd)
	return cmd
}

// exportMessages follows next_page_token until the server reports no more
// pages and writes each message as one JSON line.
func exportMessages(c *Client, q url.Values, w io.Writer) (int, error) {
	enc := json.NewEncoder(w)
	count := 0
	seen := map[string]bool{}
	for {
		result, err := c.get("/messages", q)
		if err != nil {
			return count, err
		}
		rows, _ := result["messages"].([]any)
		for _, row := range rows {
			if err := enc.Encode(row); err != nil {
				return count, err
			}
			count++
		}
		next, _ := result["next_page_token"].(string)
		if next == "" {
			return count, nil
		}
		if seen[next] {
			return count, errors.New("server returned a page token twice")
		}
		seen[next] = true
		q.Set("start_after", next)
	}
}

// --- config ---

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage CLI configuration"}

	setAddrCmd := &cobra.Command{
		Use:   "set-address <url>",
		Short: "Set the archive server address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := url.Parse(args[0])
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("invalid address %q", args[0])
			}
			cfg.Address = args[0]
			if err := saveConfig(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Address set to %s\n", cfg.Address)
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "address\t%s\nfile\t%s\n", newClient().addr, configPath())
		},
	}

	cmd.AddCommand(setAddrCmd, showCmd)
	return cmd
}
