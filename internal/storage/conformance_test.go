package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
)

// repositoryConformance runs the behaviour every Repository must share.
// Each subtest uses its own collection so a shared database stays usable.
func repositoryConformance(t *testing.T, repo Repository) {
	ctx := context.Background()
	fresh := func(t *testing.T) Collection {
		return repo.Collection("test_" + uuid.NewString()[:8])
	}

	t.Run("AddGet", func(t *testing.T) {
		c := fresh(t)
		id, err := c.Add(ctx, map[string]any{"chat_id": int64(-100123456789), "text": "hi", "title": nil})
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		doc, found, err := c.Get(ctx, id)
		if err != nil || !found {
			t.Fatalf("Get: found=%v err=%v", found, err)
		}
		if doc.ID != id {
			t.Errorf("id = %q, want %q", doc.ID, id)
		}
		var rec struct {
			ChatID int64   `json:"chat_id"`
			Text   string  `json:"text"`
			Title  *string `json:"title"`
		}
		if err := doc.DataTo(&rec); err != nil {
			t.Fatalf("DataTo: %v", err)
		}
		if rec.ChatID != -100123456789 || rec.Text != "hi" || rec.Title != nil {
			t.Errorf("unexpected record %+v", rec)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		c := fresh(t)
		for _, id := range []string{uuid.NewString(), "not-a-uuid"} {
			doc, found, err := c.Get(ctx, id)
			if err != nil || found || doc != nil {
				t.Errorf("Get(%q) = %v, %v, %v; want nil, false, nil", id, doc, found, err)
			}
		}
	})

	t.Run("ReturnedDataIsACopy", func(t *testing.T) {
		c := fresh(t)
		src := map[string]any{"text": "original"}
		id, _ := c.Add(ctx, src)
		src["text"] = "changed"

		doc, _, _ := c.Get(ctx, id)
		doc.Data["text"] = "mutated"
		again, _, _ := c.Get(ctx, id)
		if again.Data["text"] != "original" {
			t.Errorf("stored data changed to %v", again.Data["text"])
		}
	})

	t.Run("InsertionOrder", func(t *testing.T) {
		c := fresh(t)
		var ids []string
		for i := 0; i < 5; i++ {
			id, err := c.Add(ctx, map[string]any{"n": i})
			if err != nil {
				t.Fatalf("Add: %v", err)
			}
			ids = append(ids, id)
		}
		docs := mustCollect(t, c.Query())
		if len(docs) != len(ids) {
			t.Fatalf("got %d docs want %d", len(docs), len(ids))
		}
		for i, d := range docs {
			if d.ID != ids[i] {
				t.Errorf("position %d: got %s want %s", i, d.ID, ids[i])
			}
		}
	})

	t.Run("WhereLimitStartAfter", func(t *testing.T) {
		c := fresh(t)
		var chat1 []string
		for i := 0; i < 6; i++ {
			chat := int64(1)
			if i%2 == 1 {
				chat = 2
			}
			id, _ := c.Add(ctx, map[string]any{"chat_id": chat, "user_id": int64(10 + i%3), "seq": i})
			if chat == 1 {
				chat1 = append(chat1, id)
			}
		}

		q := c.Query().Where("chat_id", OpEqual, int64(1))
		docs := mustCollect(t, q)
		if got := ids(docs); fmt.Sprint(got) != fmt.Sprint(chat1) {
			t.Errorf("where chat_id=1: got %v want %v", got, chat1)
		}

		first := mustCollect(t, q.Limit(2))
		if len(first) != 2 {
			t.Fatalf("limit 2: got %d", len(first))
		}
		rest := mustCollect(t, q.StartAfter(first[1]))
		if len(rest) != 1 || rest[0].ID != chat1[2] {
			t.Errorf("start after: got %v want [%s]", ids(rest), chat1[2])
		}

		both := mustCollect(t, q.Where("user_id", OpEqual, int64(10)))
		if len(both) != 1 || both[0].ID != chat1[0] {
			t.Errorf("two filters: got %v", ids(both))
		}

		none := mustCollect(t, c.Query().Where("chat_id", OpEqual, "1"))
		if len(none) != 0 {
			t.Errorf("string filter should not match numeric field, got %v", ids(none))
		}
		missing := mustCollect(t, c.Query().Where("absent", OpEqual, nil))
		if len(missing) != 0 {
			t.Errorf("filter on absent field should not match, got %v", ids(missing))
		}
	})

	t.Run("StartAfterUnknownDocument", func(t *testing.T) {
		c := fresh(t)
		c.Add(ctx, map[string]any{"n": 1})
		for _, id := range []string{uuid.NewString(), "garbage"} {
			docs := mustCollect(t, c.Query().StartAfter(&Document{ID: id}))
			if len(docs) != 0 {
				t.Errorf("start after %q: got %v want none", id, ids(docs))
			}
		}
	})

	t.Run("StartAfterLast", func(t *testing.T) {
		c := fresh(t)
		c.Add(ctx, map[string]any{"n": 1})
		last, _ := c.Add(ctx, map[string]any{"n": 2})
		docs := mustCollect(t, c.Query().StartAfter(&Document{ID: last}))
		if len(docs) != 0 {
			t.Errorf("got %v want none", ids(docs))
		}
	})

	t.Run("LargeIntegerFilter", func(t *testing.T) {
		c := fresh(t)
		want, _ := c.Add(ctx, map[string]any{"chat_id": int64(9007199254740993)})
		c.Add(ctx, map[string]any{"chat_id": int64(9007199254740992)})

		docs := mustCollect(t, c.Query().Where("chat_id", OpEqual, int64(9007199254740993)))
		if len(docs) != 1 || docs[0].ID != want {
			t.Errorf("got %v want [%s]", ids(docs), want)
		}
		if docs := mustCollect(t, c.Query().Where("chat_id", OpEqual, int64(9007199254740994))); len(docs) != 0 {
			t.Errorf("unstored id matched %v", ids(docs))
		}
	})

	t.Run("NumberForms", func(t *testing.T) {
		c := fresh(t)
		id, _ := c.Add(ctx, map[string]any{"n": 1})
		for _, v := range []any{1, 1.0, int64(1)} {
			if docs := mustCollect(t, c.Query().Where("n", OpEqual, v)); len(docs) != 1 || docs[0].ID != id {
				t.Errorf("Where n == %v: got %v", v, ids(docs))
			}
		}
		if docs := mustCollect(t, c.Query().Where("n", OpEqual, "1")); len(docs) != 0 {
			t.Errorf("string matched number: %v", ids(docs))
		}
	})

	t.Run("UnsupportedOperator", func(t *testing.T) {
		c := fresh(t)
		_, err := c.Query().Where("n", Operator(">"), 1).Stream(ctx)
		if !errors.Is(err, ErrUnsupportedOperator) {
			t.Errorf("expected ErrUnsupportedOperator, got %v", err)
		}
	})

	t.Run("EmptyCollection", func(t *testing.T) {
		if docs := mustCollect(t, fresh(t).Query()); len(docs) != 0 {
			t.Errorf("got %d docs", len(docs))
		}
	})

	t.Run("ConcurrentAdds", func(t *testing.T) {
		c := fresh(t)
		const n = 50
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if _, err := c.Add(ctx, map[string]any{"n": i}); err != nil {
					errs <- err
				}
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("Add: %v", err)
		}
		docs := mustCollect(t, c.Query())
		if len(docs) != n {
			t.Fatalf("got %d docs want %d", len(docs), n)
		}
		seen := map[string]bool{}
		for _, d := range docs {
			if seen[d.ID] {
				t.Fatalf("duplicate id %s", d.ID)
			}
			seen[d.ID] = true
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping: %v", err)
		}
	})
}

func mustCollect(t *testing.T, q Query) []*Document {
	t.Helper()
	s, err := q.Stream(context.Background())
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	docs, err := Collect(s)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return docs
}

func ids(docs []*Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}
