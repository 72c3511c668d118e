package records

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/fault"
	"github.com/loqalabs/loqa-scribe/internal/logging"
)

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.RecordsConfig{RetentionMode: "ephemeral"}
	rs, err := Open(ctx, cfg, logging.Discard())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = rs.Close() })

	if err := rs.AppendEvent(ctx, Event{SessionID: "s", Type: "chunk.ingested"}); err != nil {
		t.Fatalf("ephemeral append should be a no-op: %v", err)
	}
	dur := 12.5
	if err := rs.SaveRecord(ctx, Record{ID: "rec-1", SessionID: "s", Dialog: "Arzt: Hallo.", DurationSeconds: &dur}); err != nil {
		t.Fatalf("save record: %v", err)
	}
	rec, err := rs.GetRecord(ctx, "rec-1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.Dialog != "Arzt: Hallo." || rec.DurationSeconds == nil || *rec.DurationSeconds != 12.5 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if _, err := rs.GetRecord(ctx, "missing"); !fault.Has(err, fault.NotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.RecordsConfig{Path: filepath.Join(tmp, "records.db"), RetentionMode: "session"}
	rs, err := Open(context.Background(), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("open records store: %v", err)
	}
	t.Cleanup(func() { _ = rs.Close() })

	sessionID := "session-123"
	if err := rs.AppendSession(context.Background(), sessionID, "stream"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	for _, typ := range []string{"stream.started", "chunk.ingested"} {
		if err := rs.AppendEvent(context.Background(), Event{SessionID: sessionID, Type: typ, Payload: []byte(`{"seq":1}`)}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	events, err := rs.ListSessionEvents(context.Background(), sessionID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != "stream.started" || string(events[1].Payload) != `{"seq":1}` {
		t.Fatalf("unexpected events: %+v", events)
	}
	if events[0].CreatedAt.IsZero() {
		t.Fatal("expected created_at to round-trip")
	}
}

func TestEventRequiresSession(t *testing.T) {
	cfg := config.RecordsConfig{Path: filepath.Join(t.TempDir(), "records.db"), RetentionMode: "persistent"}
	rs, err := Open(context.Background(), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("open records store: %v", err)
	}
	t.Cleanup(func() { _ = rs.Close() })

	if err := rs.AppendEvent(context.Background(), Event{SessionID: "ghost", Type: "chunk.ingested"}); err == nil {
		t.Fatal("expected foreign key violation for unknown session")
	}
}

func TestSaveAndGetRecord(t *testing.T) {
	cfg := config.RecordsConfig{Path: filepath.Join(t.TempDir(), "records.db"), RetentionMode: "persistent"}
	rs, err := Open(context.Background(), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("open records store: %v", err)
	}
	t.Cleanup(func() { _ = rs.Close() })

	dur := 63.2
	rec := Record{
		ID:                "rec-42",
		SessionID:         "sess-42",
		Name:              "MM_123456_20260301",
		Source:            "stream",
		Dialog:            "Arzt: Was führt Sie zu mir?\nPatient: Kopfschmerzen.",
		Summary:           "Kopfschmerzen.",
		SubjectSex:        "weiblich",
		Model:             "mistral",
		CaptionPath:       "/data/transcripts/sess-42.vtt",
		DurationSeconds:   &dur,
		ProcessingSeconds: 4.2,
	}
	if err := rs.SaveRecord(context.Background(), rec); err != nil {
		t.Fatalf("save record: %v", err)
	}

	got, err := rs.GetRecord(context.Background(), "rec-42")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if got.Dialog != rec.Dialog || got.Name != rec.Name || got.SubjectSex != "weiblich" {
		t.Fatalf("unexpected record %+v", got)
	}
	if got.DurationSeconds == nil || *got.DurationSeconds != 63.2 {
		t.Fatalf("expected duration 63.2, got %v", got.DurationSeconds)
	}

	noDuration := Record{ID: "rec-43", SessionID: "sess-43", Source: "upload"}
	if err := rs.SaveRecord(context.Background(), noDuration); err != nil {
		t.Fatalf("save record: %v", err)
	}
	got, err = rs.GetRecord(context.Background(), "rec-43")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if got.DurationSeconds != nil {
		t.Fatalf("expected unknown duration, got %v", *got.DurationSeconds)
	}

	if _, err := rs.GetRecord(context.Background(), "nope"); !fault.Has(err, fault.NotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.RecordsConfig{Path: filepath.Join(tmp, "records.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	rs, err := Open(context.Background(), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("open records store: %v", err)
	}
	t.Cleanup(func() { _ = rs.Close() })

	rs.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := rs.AppendSession(context.Background(), "old-session", "stream"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := rs.AppendEvent(context.Background(), Event{SessionID: "old-session", Type: "note"}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := rs.SaveRecord(context.Background(), Record{ID: "old-record", SessionID: "old-session"}); err != nil {
		t.Fatalf("save record: %v", err)
	}

	rs.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := rs.AppendSession(context.Background(), "new-session", "stream"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := rs.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := rs.ListSessionEvents(context.Background(), "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	if _, err := rs.GetRecord(context.Background(), "old-record"); !fault.Has(err, fault.NotFound) {
		t.Fatalf("expected old record pruned, got %v", err)
	}
}

func TestManageRecords(t *testing.T) {
	stores := map[string]config.RecordsConfig{
		"persistent": {Path: filepath.Join(t.TempDir(), "records.db"), RetentionMode: "persistent"},
		"ephemeral":  {RetentionMode: "ephemeral"},
	}
	for mode, cfg := range stores {
		t.Run(mode, func(t *testing.T) {
			ctx := context.Background()
			rs, err := Open(ctx, cfg, logging.Discard())
			if err != nil {
				t.Fatalf("open records store: %v", err)
			}
			t.Cleanup(func() { _ = rs.Close() })

			base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
			seconds := 61.5
			for i, id := range []string{"rec-a", "rec-b", "rec-c"} {
				rec := Record{ID: id, SessionID: "sess-" + id, Name: "AB_1_" + id, Source: "stream", Summary: "alt",
					AudioSeconds: &seconds, CreatedAt: base.Add(time.Duration(i) * time.Hour)}
				if err := rs.SaveRecord(ctx, rec); err != nil {
					t.Fatalf("save record: %v", err)
				}
			}

			list, err := rs.ListRecords(ctx, 0)
			if err != nil {
				t.Fatalf("list records: %v", err)
			}
			if len(list) != 3 || list[0].ID != "rec-c" || list[2].ID != "rec-a" {
				t.Fatalf("expected newest first, got %+v", list)
			}
			if list[0].AudioSeconds == nil || *list[0].AudioSeconds != 61.5 {
				t.Fatalf("expected audio length to round-trip, got %v", list[0].AudioSeconds)
			}
			limited, err := rs.ListRecords(ctx, 2)
			if err != nil {
				t.Fatalf("list records: %v", err)
			}
			if len(limited) != 2 || limited[0].ID != "rec-c" {
				t.Fatalf("unexpected limited list %+v", limited)
			}

			updated, err := rs.UpdateSummary(ctx, "rec-b", "Neue Zusammenfassung.")
			if err != nil {
				t.Fatalf("update summary: %v", err)
			}
			if updated.Summary != "Neue Zusammenfassung." || updated.Name != "AB_1_rec-b" {
				t.Fatalf("unexpected updated record %+v", updated)
			}
			if got, _ := rs.GetRecord(ctx, "rec-b"); got.Summary != "Neue Zusammenfassung." {
				t.Fatalf("summary not stored, got %q", got.Summary)
			}
			if _, err := rs.UpdateSummary(ctx, "nope", "x"); !fault.Has(err, fault.NotFound) {
				t.Fatalf("expected not found, got %v", err)
			}

			deleted, err := rs.DeleteRecord(ctx, "rec-a")
			if err != nil {
				t.Fatalf("delete record: %v", err)
			}
			if deleted.Name != "AB_1_rec-a" {
				t.Fatalf("expected deleted record back, got %+v", deleted)
			}
			if _, err := rs.GetRecord(ctx, "rec-a"); !fault.Has(err, fault.NotFound) {
				t.Fatalf("expected deleted record gone, got %v", err)
			}
			if _, err := rs.DeleteRecord(ctx, "rec-a"); !fault.Has(err, fault.NotFound) {
				t.Fatalf("expected second delete to be not found, got %v", err)
			}
		})
	}
}
