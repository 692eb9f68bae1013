package archive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/org/msgarchive/internal/audit"
	"github.com/org/msgarchive/internal/crypto"
	"github.com/org/msgarchive/internal/storage"
)

const (
	keyA = "projects/test-project/locations/global/keyRings/telegram-messages/cryptoKeys/key-a"
	keyB = "projects/test-project/locations/global/keyRings/telegram-messages/cryptoKeys/key-b"
)

var seed = []byte("0123456789abcdef0123456789abcdef")

func newCipher(t *testing.T, keyRef string) *crypto.EnvelopeCipher {
	t.Helper()
	w, err := crypto.NewLocalKeyWrapper(seed, keyRef)
	if err != nil {
		t.Fatalf("NewLocalKeyWrapper: %v", err)
	}
	return crypto.NewEnvelopeCipher(InstrumentKeyWrapper(w))
}

func newTestArchive(t *testing.T, repo storage.Repository, opts Options) *Archive {
	t.Helper()
	return New(repo, newCipher(t, keyA), opts)
}

func int64p(v int64) *int64 { return &v }
func strp(s string) *string { return &s }

func ingest(t *testing.T, a *Archive, req IngestRequest) string {
	t.Helper()
	id, err := a.Ingest(context.Background(), req)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	return id
}

func TestIngestRetrieveByChat(t *testing.T) {
	a := newTestArchive(t, storage.NewMemoryRepository(), Options{})
	id := ingest(t, a, IngestRequest{
		MessageID: 7, ChatID: -100123, ChatTitle: strp("Team"), UserID: 42,
		Username: strp("alice"), Text: "hello",
	})

	page, err := a.Retrieve(context.Background(), RetrieveRequest{ChatID: int64p(-100123)})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(page.Messages) != 1 {
		t.Fatalf("got %d messages want 1", len(page.Messages))
	}
	m := page.Messages[0]
	if m.ID != id || m.Text != "hello" || m.MessageID != 7 || m.UserID != 42 {
		t.Errorf("unexpected message %+v", m)
	}
	if m.ChatTitle == nil || *m.ChatTitle != "Team" || m.FirstName != nil {
		t.Errorf("optional fields not preserved: %+v", m)
	}
	if m.Type != RecordType || m.Timestamp.Location() != time.UTC {
		t.Errorf("type=%q timestamp=%v", m.Type, m.Timestamp)
	}
	if page.NextCursor != id {
		t.Errorf("next cursor = %q want %q", page.NextCursor, id)
	}

	other, err := a.Retrieve(context.Background(), RetrieveRequest{ChatID: int64p(999)})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(other.Messages) != 0 || other.NextCursor != "" {
		t.Errorf("non-matching chat returned %+v", other)
	}
}

func TestStoredRecordIsEncrypted(t *testing.T) {
	repo := storage.NewMemoryRepository()
	a := newTestArchive(t, repo, Options{})
	id := ingest(t, a, IngestRequest{MessageID: 1, ChatID: 1, UserID: 1, Text: "top secret"})

	doc, found, err := repo.Collection(MessagesCollection).Get(context.Background(), id)
	if err != nil || !found {
		t.Fatalf("Get: %v %v", found, err)
	}
	if _, ok := doc.Data["text"]; ok {
		t.Error("plaintext field stored")
	}
	env, ok := doc.Data["encrypted_text"].(map[string]any)
	if !ok {
		t.Fatalf("encrypted_text has type %T", doc.Data["encrypted_text"])
	}
	for _, f := range []string{"ciphertext", "encrypted_data_key", "iv", "tag", "salt"} {
		if _, ok := env[f].(string); !ok {
			t.Errorf("envelope field %s missing or not a string", f)
		}
	}
	if doc.Data["type"] != "telegram" {
		t.Errorf("type = %v", doc.Data["type"])
	}
}

func TestPaginationTwoPages(t *testing.T) {
	a := newTestArchive(t, storage.NewMemoryRepository(), Options{})
	for i := 1; i <= 3; i++ {
		ingest(t, a, IngestRequest{MessageID: int64(i), ChatID: 5, UserID: 1, Text: fmt.Sprintf("m%d", i)})
	}

	first, err := a.Retrieve(context.Background(), RetrieveRequest{ChatID: int64p(5), Limit: 2})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(first.Messages) != 2 || first.Messages[0].Text != "m1" || first.Messages[1].Text != "m2" {
		t.Fatalf("first page = %+v", first.Messages)
	}

	second, err := a.Retrieve(context.Background(), RetrieveRequest{ChatID: int64p(5), Limit: 2, Cursor: first.NextCursor})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(second.Messages) != 1 || second.Messages[0].Text != "m3" {
		t.Fatalf("second page = %+v", second.Messages)
	}

	third, err := a.Retrieve(context.Background(), RetrieveRequest{ChatID: int64p(5), Limit: 2, Cursor: second.NextCursor})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(third.Messages) != 0 || third.NextCursor != "" {
		t.Errorf("third page = %+v", third)
	}
}

func TestPaginationCursorOnFullLastPage(t *testing.T) {
	a := newTestArchive(t, storage.NewMemoryRepository(), Options{})
	first := ingest(t, a, IngestRequest{MessageID: 1, ChatID: 5, UserID: 1, Text: "m1"})
	second := ingest(t, a, IngestRequest{MessageID: 2, ChatID: 5, UserID: 1, Text: "m2"})
	ctx := context.Background()

	page, err := a.Retrieve(ctx, RetrieveRequest{Limit: 1})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(page.Messages) != 1 || page.Messages[0].Text != "m1" || page.NextCursor != first {
		t.Fatalf("page 1 = %+v", page)
	}

	// A page that comes back full still carries a cursor, even when it
	// holds the last record.
	page, err = a.Retrieve(ctx, RetrieveRequest{Limit: 1, Cursor: page.NextCursor})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(page.Messages) != 1 || page.Messages[0].Text != "m2" || page.NextCursor != second {
		t.Fatalf("page 2 = %+v", page)
	}

	page, err = a.Retrieve(ctx, RetrieveRequest{Limit: 1, Cursor: page.NextCursor})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(page.Messages) != 0 || page.NextCursor != "" {
		t.Errorf("page 3 = %+v, want empty with no cursor", page)
	}
}

func TestPaginationEnumeratesEveryRecordOnce(t *testing.T) {
	a := newTestArchive(t, storage.NewMemoryRepository(), Options{})
	want := map[string]bool{}
	for i := 0; i < 23; i++ {
		chat := int64(1 + i%2)
		id := ingest(t, a, IngestRequest{MessageID: int64(i), ChatID: chat, UserID: 9, Text: "x"})
		if chat == 1 {
			want[id] = true
		}
	}

	for _, limit := range []int{1, 3, 5, 12, 100} {
		seen := map[string]bool{}
		cursor := ""
		for pages := 0; ; pages++ {
			if pages > 50 {
				t.Fatalf("limit %d: pagination did not terminate", limit)
			}
			page, err := a.Retrieve(context.Background(), RetrieveRequest{ChatID: int64p(1), Limit: limit, Cursor: cursor})
			if err != nil {
				t.Fatalf("Retrieve: %v", err)
			}
			if len(page.Messages) == 0 {
				break
			}
			if len(page.Messages) > limit {
				t.Fatalf("limit %d: page of %d", limit, len(page.Messages))
			}
			for _, m := range page.Messages {
				if seen[m.ID] {
					t.Fatalf("limit %d: duplicate %s", limit, m.ID)
				}
				seen[m.ID] = true
			}
			cursor = page.NextCursor
		}
		if len(seen) != len(want) {
			t.Errorf("limit %d: saw %d records want %d", limit, len(seen), len(want))
		}
		for id := range want {
			if !seen[id] {
				t.Errorf("limit %d: missing %s", limit, id)
			}
		}
	}
}

func TestRetrieveFilters(t *testing.T) {
	a := newTestArchive(t, storage.NewMemoryRepository(), Options{})
	ingest(t, a, IngestRequest{MessageID: 1, ChatID: 1, UserID: 10, Text: "a"})
	ingest(t, a, IngestRequest{MessageID: 2, ChatID: 1, UserID: 20, Text: "b"})
	ingest(t, a, IngestRequest{MessageID: 3, ChatID: 2, UserID: 10, Text: "c"})

	cases := []struct {
		name   string
		chat   *int64
		user   *int64
		expect []string
	}{
		{"none", nil, nil, []string{"a", "b", "c"}},
		{"chat", int64p(1), nil, []string{"a", "b"}},
		{"user", nil, int64p(10), []string{"a", "c"}},
		{"both", int64p(1), int64p(10), []string{"a"}},
		{"no match", int64p(2), int64p(20), nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			page, err := a.Retrieve(context.Background(), RetrieveRequest{ChatID: tc.chat, UserID: tc.user})
			if err != nil {
				t.Fatalf("Retrieve: %v", err)
			}
			var got []string
			for _, m := range page.Messages {
				got = append(got, m.Text)
			}
			if fmt.Sprint(got) != fmt.Sprint(tc.expect) {
				t.Errorf("got %v want %v", got, tc.expect)
			}
		})
	}
}

func TestRetrieveValidation(t *testing.T) {
	a := newTestArchive(t, storage.NewMemoryRepository(), Options{})
	ingest(t, a, IngestRequest{MessageID: 1, ChatID: 1, UserID: 1, Text: "a"})

	if _, err := a.Retrieve(context.Background(), RetrieveRequest{Limit: -1}); !errors.Is(err, ErrInvalidLimit) {
		t.Errorf("negative limit: got %v", err)
	}
	if _, err := a.Retrieve(context.Background(), RetrieveRequest{Cursor: "does-not-exist"}); !errors.Is(err, ErrInvalidCursor) {
		t.Errorf("unknown cursor: got %v", err)
	}
	if _, err := a.Batch(context.Background(), BatchRequest{BatchSize: -5}); !errors.Is(err, ErrInvalidLimit) {
		t.Errorf("negative batch size: got %v", err)
	}
}

func TestResolveLimit(t *testing.T) {
	cases := []struct{ in, want int }{{0, 100}, {1, 1}, {1000, 1000}, {5000, 1000}}
	for _, tc := range cases {
		got, err := resolveLimit(tc.in, DefaultLimit, MaxLimit)
		if err != nil || got != tc.want {
			t.Errorf("resolveLimit(%d) = %d, %v; want %d", tc.in, got, err, tc.want)
		}
	}
}

func TestBatch(t *testing.T) {
	a := newTestArchive(t, storage.NewMemoryRepository(), Options{DefaultBatchSize: 2})
	for i := 0; i < 4; i++ {
		ingest(t, a, IngestRequest{MessageID: int64(i), ChatID: 3, UserID: int64(i % 2), Text: fmt.Sprint(i)})
	}

	msgs, err := a.Batch(context.Background(), BatchRequest{ChatID: int64p(3)})
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Text != "0" || msgs[1].Text != "1" {
		t.Errorf("default batch = %+v", msgs)
	}

	msgs, err = a.Batch(context.Background(), BatchRequest{ChatID: int64p(3), UserID: int64p(1), BatchSize: 10})
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Text != "1" || msgs[1].Text != "3" {
		t.Errorf("filtered batch = %+v", msgs)
	}
}

func TestBestEffortRedactsUndecryptableRecords(t *testing.T) {
	repo := storage.NewMemoryRepository()
	ingest(t, New(repo, newCipher(t, keyB), Options{}), IngestRequest{MessageID: 1, ChatID: 1, UserID: 1, Text: "other key"})
	a := newTestArchive(t, repo, Options{})
	ingest(t, a, IngestRequest{MessageID: 2, ChatID: 1, UserID: 1, Text: "mine"})

	if _, err := repo.Collection(MessagesCollection).Add(context.Background(), map[string]any{
		"message_id": 3, "chat_id": 1, "user_id": 1, "type": "telegram",
		"encrypted_text": map[string]any{"ciphertext": "", "encrypted_data_key": "", "iv": "", "tag": ""},
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := repo.Collection(MessagesCollection).Add(context.Background(), map[string]any{
		"message_id": 4, "chat_id": 1, "user_id": 1, "type": "telegram",
		"encrypted_text": map[string]any{"iv": "%%%not base64"},
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	page, err := a.Retrieve(context.Background(), RetrieveRequest{ChatID: int64p(1)})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	texts := make([]string, len(page.Messages))
	for i, m := range page.Messages {
		texts[i] = m.Text
	}
	want := []string{RedactedText, "mine", RedactedText, RedactedText}
	if fmt.Sprint(texts) != fmt.Sprint(want) {
		t.Errorf("got %v want %v", texts, want)
	}
	if page.Messages[0].MessageID != 1 || page.Messages[3].MessageID != 4 {
		t.Error("redacted records should keep their metadata")
	}
}

func TestStrictPolicyFailsOnFirstBadRecord(t *testing.T) {
	repo := storage.NewMemoryRepository()
	ingest(t, New(repo, newCipher(t, keyB), Options{}), IngestRequest{MessageID: 1, ChatID: 1, UserID: 1, Text: "other key"})

	a := newTestArchive(t, repo, Options{Policy: StrictDecrypt})
	_, err := a.Retrieve(context.Background(), RetrieveRequest{})
	var kse *crypto.KeyServiceError
	if !errors.As(err, &kse) {
		t.Errorf("expected KeyServiceError, got %v", err)
	}
	if _, err := a.Batch(context.Background(), BatchRequest{}); err == nil {
		t.Error("strict batch should fail")
	}
}

type failingWrapper struct{ retryable bool }

func (f failingWrapper) KeyID() string { return keyA }

func (f failingWrapper) Wrap(context.Context, []byte) ([]byte, error) {
	return nil, &crypto.KeyServiceError{Op: "wrap", KeyID: keyA, Retryable: f.retryable, Err: errors.New("unavailable")}
}

func (f failingWrapper) Unwrap(context.Context, []byte) ([]byte, error) {
	return nil, &crypto.KeyServiceError{Op: "unwrap", KeyID: keyA, Retryable: f.retryable, Err: errors.New("unavailable")}
}

func TestIngestFailureWritesNothing(t *testing.T) {
	repo := storage.NewMemoryRepository()
	a := New(repo, crypto.NewEnvelopeCipher(failingWrapper{retryable: true}), Options{})

	_, err := a.Ingest(context.Background(), IngestRequest{MessageID: 1, ChatID: 1, UserID: 1, Text: "lost"})
	if !crypto.IsRetryable(err) {
		t.Errorf("expected retryable key service error, got %v", err)
	}
	docs, _ := storage.Collect(mustStream(t, repo.Collection(MessagesCollection).Query()))
	if len(docs) != 0 {
		t.Errorf("%d records written after failed ingest", len(docs))
	}
}

func TestEmptyTextIsArchived(t *testing.T) {
	a := newTestArchive(t, storage.NewMemoryRepository(), Options{})
	ingest(t, a, IngestRequest{MessageID: 1, ChatID: 1, UserID: 1, Text: ""})
	page, err := a.Retrieve(context.Background(), RetrieveRequest{})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(page.Messages) != 1 || page.Messages[0].Text != "" {
		t.Errorf("got %+v", page.Messages)
	}
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []*audit.Entry
}

func (r *recordingAudit) LogAccess(_ context.Context, e *audit.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func TestReadsAreAudited(t *testing.T) {
	rec := &recordingAudit{}
	a := newTestArchive(t, storage.NewMemoryRepository(), Options{Audit: rec})
	ingest(t, a, IngestRequest{MessageID: 1, ChatID: 1, UserID: 1, Text: "a"})

	a.Retrieve(context.Background(), RetrieveRequest{ChatID: int64p(1), Limit: 10})
	a.Batch(context.Background(), BatchRequest{})
	if len(rec.entries) != 2 {
		t.Fatalf("got %d audit entries want 2", len(rec.entries))
	}
	r := rec.entries[0]
	if r.Operation != "retrieve" || r.Limit != 10 || r.Returned != 1 || *r.ChatID != 1 || r.UserID != nil {
		t.Errorf("retrieve entry = %+v", r)
	}
	if b := rec.entries[1]; b.Operation != "batch" || b.Limit != DefaultBatchSize {
		t.Errorf("batch entry = %+v", b)
	}
}

func TestConcurrentIngestAndRetrieve(t *testing.T) {
	a := newTestArchive(t, storage.NewMemoryRepository(), Options{})
	const writers, perWriter = 4, 10

	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter*2)
	for w := 0; w < writers; w++ {
		wg.Add(2)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := a.Ingest(context.Background(), IngestRequest{MessageID: int64(i), ChatID: int64(w), UserID: 1, Text: "c"}); err != nil {
					errs <- err
				}
			}
		}(w)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				page, err := a.Retrieve(context.Background(), RetrieveRequest{})
				if err != nil {
					errs <- err
					continue
				}
				for _, m := range page.Messages {
					if m.Text != "c" {
						errs <- fmt.Errorf("unexpected text %q", m.Text)
					}
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	msgs, err := a.Batch(context.Background(), BatchRequest{BatchSize: MaxBatchSize})
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	if len(msgs) != writers*perWriter {
		t.Errorf("got %d messages want %d", len(msgs), writers*perWriter)
	}
}

func mustStream(t *testing.T, q storage.Query) storage.DocumentStream {
	t.Helper()
	s, err := q.Stream(context.Background())
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	return s
}
