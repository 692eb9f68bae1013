package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// pagedServer serves /messages in pages of two over ids m1..m5.
func pagedServer(t *testing.T) *httptest.Server {
	t.Helper()
	ids := []string{"m1", "m2", "m3", "m4", "m5"}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("chat_id") != "42" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "expected chat_id"})
			return
		}
		start := 0
		if after := r.URL.Query().Get("start_after"); after != "" {
			for i, id := range ids {
				if id == after {
					start = i + 1
				}
			}
		}
		end := min(start+2, len(ids))
		var msgs []map[string]any
		for _, id := range ids[start:end] {
			msgs = append(msgs, map[string]any{"id": id, "chat_id": 42, "text": "hello " + id})
		}
		resp := map[string]any{"messages": msgs, "next_page_token": nil}
		if end < len(ids) {
			resp["next_page_token"] = ids[end-1]
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestExportFollowsPages(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("MSGARCHIVE_ADDR", pagedServer(t).URL)

	out, err := run(t, "messages", "export", "--chat-id", "42")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 5 {
		t.Fatalf("got %d lines, want 5:\n%s", len(lines), out)
	}
	for i, line := range lines {
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("line %d is not JSON: %v", i, err)
		}
		if want := "m" + string(rune('1'+i)); m["id"] != want {
			t.Errorf("line %d id = %v, want %s", i, m["id"], want)
		}
	}
}

func TestListTable(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("MSGARCHIVE_ADDR", pagedServer(t).URL)

	out, err := run(t, "messages", "list", "--chat-id", "42")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, want := range []string{"ID", "m1", "m2", "hello m1", "--start-after m2"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "m3") {
		t.Errorf("list printed more than one page:\n%s", out)
	}
}

func TestServerErrorIsReported(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("MSGARCHIVE_ADDR", pagedServer(t).URL)

	_, err := run(t, "messages", "list")
	if err == nil || !strings.Contains(err.Error(), "expected chat_id") {
		t.Fatalf("err = %v, want server message", err)
	}
}

func TestInvalidFilterFlag(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	_, err := run(t, "messages", "list", "--user-id", "abc")
	if err == nil || !strings.Contains(err.Error(), "--user-id") {
		t.Fatalf("err = %v", err)
	}
}

func TestSetAddressPersists(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("MSGARCHIVE_ADDR", "")

	if _, err := run(t, "config", "set-address", "http://archive.internal:8080"); err != nil {
		t.Fatalf("set-address: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(home, ".msgarchive", "config.yaml"))
	if err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if !strings.Contains(string(data), "http://archive.internal:8080") {
		t.Errorf("config = %s", data)
	}

	out, err := run(t, "config", "show")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "http://archive.internal:8080") {
		t.Errorf("show = %s", out)
	}

	if _, err := run(t, "config", "set-address", "not a url"); err == nil {
		t.Error("expected error for invalid address")
	}
}
