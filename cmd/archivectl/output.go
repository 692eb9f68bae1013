package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

var outputFormat string // "table", "json"

// printResult writes a response in the chosen format. In table mode the
// messages under key are listed one per row.
func printResult(w io.Writer, data map[string]any, key string) {
	if outputFormat == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.Encode(data) //nolint:errcheck
		return
	}
	rows, _ := data[key].([]any)
	printMessages(w, rows)
	if tok, ok := data["next_page_token"].(string); ok && tok != "" {
		fmt.Fprintf(w, "\nnext page: --start-after %s\n", tok)
	}
}

func printMessages(w io.Writer, rows []any) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCHAT\tUSER\tTIMESTAMP\tTEXT")
	for _, row := range rows {
		m, ok := row.(map[string]any)
		if !ok {
			continue
		}
		fmt.Fprintf(tw, "%v\t%v\t%v\t%v\t%s\n",
			m["id"], field(m, "chat_id"), userLabel(m), field(m, "timestamp"), oneLine(m["text"]))
	}
	tw.Flush()
}

func field(m map[string]any, k string) any {
	if v, ok := m[k]; ok && v != nil {
		// Integers decode as float64.
		if f, ok := v.(float64); ok && f == float64(int64(f)) {
			return int64(f)
		}
		return v
	}
	return "-"
}

func userLabel(m map[string]any) any {
	if u, ok := m["username"].(string); ok && u != "" {
		return "@" + u
	}
	if n, ok := m["first_name"].(string); ok && n != "" {
		return n
	}
	return field(m, "user_id")
}

func oneLine(v any) string {
	s, _ := v.(string)
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > 60 {
		s = string(r[:57]) + "..."
	}
	return s
}

func printError(w io.Writer, msg string) {
	fmt.Fprintf(w, "Error: %s\n", msg)
}
