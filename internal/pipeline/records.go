package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/loqalabs/loqa-scribe/internal/fault"
	"github.com/loqalabs/loqa-scribe/internal/records"
)

// UpdateSummary stores an edited summary for a record and rewrites its
// summary file.
func (p *Pipeline) UpdateSummary(ctx context.Context, id, summary string) (records.Record, error) {
	if p.deps.Records == nil {
		return records.Record{}, fault.New(fault.NotFound, "update summary", "no record store")
	}
	rec, err := p.deps.Records.UpdateSummary(ctx, id, summary)
	if err != nil {
		return records.Record{}, err
	}
	log := p.logger.With(slog.String("record_id", id))
	if p.opts.OutputDir != "" && rec.Name != "" {
		path := p.outputPath(rec.Name + "_summary.txt")
		if err := os.WriteFile(path, []byte(summary), 0o644); err != nil {
			return rec, fmt.Errorf("write summary: %w", err)
		}
	}
	p.event(ctx, rec.SessionID, "record.summary_updated", map[string]any{"record_id": id})
	log.Info("summary updated", slog.Int("summary_chars", len([]rune(summary))))
	return rec, nil
}

// DeleteRecord removes a record together with its dialog, summary and
// caption files.
func (p *Pipeline) DeleteRecord(ctx context.Context, id string) error {
	if p.deps.Records == nil {
		return fault.New(fault.NotFound, "delete record", "no record store")
	}
	rec, err := p.deps.Records.DeleteRecord(ctx, id)
	if err != nil {
		return err
	}
	var files []string
	if p.opts.OutputDir != "" && rec.Name != "" {
		files = append(files,
			p.outputPath(rec.Name+"_transcript.txt"),
			p.outputPath(rec.Name+"_summary.txt"),
			p.outputPath(rec.Name+".vtt"),
		)
	}
	files = append(files, rec.CaptionPath)
	p.removeAll(compact(files)...)
	p.logger.Info("record deleted", slog.String("record_id", id), slog.String("name", rec.Name))
	return nil
}
