package main

import (
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/thumbphoto/internal/history"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent photo operations",
		Args:  cobra.NoArgs,
		RunE:  runHistory,
	}

	cmd.Flags().IntP("limit", "n", history.DefaultListLimit, "maximum number of entries to show")

	return cmd
}

// historyEntryJSON is the JSON schema for one `history --json` entry.
type historyEntryJSON struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Tenant     string `json:"tenant"`
	Principal  string `json:"principal,omitempty"`
	Outcome    string `json:"outcome"`
	HTTPStatus int    `json:"http_status,omitempty"`
	Size       int64  `json:"size"`
	SHA256     string `json:"sha256,omitempty"`
	Error      string `json:"error,omitempty"`
	StartedAt  string `json:"started_at"`
	DurationMS int64  `json:"duration_ms"`
}

func runHistory(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return err
	}

	if !cc.Cfg.HistoryEnabled {
		cc.Statusf("Operation history is disabled (history_enabled = false).\n")
		return nil
	}

	store, err := history.Open(ctx, cc.Cfg.HistoryPath, cc.Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.List(ctx, limit)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		return printJSON(cmd.OutOrStdout(), historyJSON(entries))
	}

	if len(entries) == 0 {
		cc.Statusf("No operations recorded.\n")
		return nil
	}

	printHistoryTable(cmd.OutOrStdout(), entries, time.Now())

	return nil
}

func historyJSON(entries []history.Entry) []historyEntryJSON {
	out := make([]historyEntryJSON, 0, len(entries))

	for _, e := range entries {
		out = append(out, historyEntryJSON{
			ID:         e.ID,
			Kind:       string(e.Kind),
			Tenant:     e.Tenant,
			Principal:  e.Principal,
			Outcome:    string(e.Outcome),
			HTTPStatus: e.HTTPStatus,
			Size:       e.Size,
			SHA256:     e.SHA256,
			Error:      e.Error,
			StartedAt:  e.StartedAt.UTC().Format(time.RFC3339),
			DurationMS: e.Duration().Milliseconds(),
		})
	}

	return out
}

var historyColumns = []column{
	{title: "TIME"},
	{title: "OP"},
	{title: "OUTCOME"},
	{title: "STATUS", right: true},
	{title: "SIZE", right: true},
	{title: "TOOK", right: true},
	{title: "SHA256"},
	{title: "PRINCIPAL"},
	{title: "ERROR"},
}

func printHistoryTable(w io.Writer, entries []history.Entry, now time.Time) {
	rows := make([][]string, 0, len(entries))

	for _, e := range entries {
		var status, size string

		if e.HTTPStatus != 0 {
			status = strconv.Itoa(e.HTTPStatus)
		}

		if e.Size > 0 {
			size = formatSize(e.Size)
		}

		rows = append(rows, []string{
			formatTime(e.StartedAt.In(now.Location()), now),
			string(e.Kind),
			string(e.Outcome),
			status,
			size,
			formatDuration(e.Duration()),
			shortHash(e.SHA256),
			e.Principal,
			truncate(e.Error, maxErrorColumn),
		})
	}

	printTable(w, historyColumns, rows)
}

// maxErrorColumn caps the error column in history tables.
const maxErrorColumn = 60
