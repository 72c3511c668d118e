package transcript

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/fault"
)

// Cue is one timed caption entry. Times are in seconds.
type Cue struct {
	Start float64
	End   float64
	Text  string
}

var cueTiming = regexp.MustCompile(`^\s*((?:\d{2,}:)?\d{2}:\d{2}\.\d{3})\s*-->\s*((?:\d{2,}:)?\d{2}:\d{2}\.\d{3})`)

// ParseCues reads a WebVTT style caption track. Lines outside cue blocks
// (header, notes, numeric identifiers) are ignored.
func ParseCues(r io.Reader) ([]Cue, error) {
	var cues []Cue
	var current *Cue
	var text []string

	flush := func() {
		if current != nil {
			current.Text = strings.Join(text, "\n")
			cues = append(cues, *current)
		}
		current = nil
		text = text[:0]
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if m := cueTiming.FindStringSubmatch(line); m != nil {
			flush()
			start, err := parseTimestamp(m[1])
			if err != nil {
				return nil, err
			}
			end, err := parseTimestamp(m[2])
			if err != nil {
				return nil, err
			}
			current = &Cue{Start: start, End: end}
			continue
		}
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		if current != nil {
			text = append(text, strings.TrimSpace(line))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read caption track: %w", err)
	}
	flush()
	return cues, nil
}

func parseTimestamp(v string) (float64, error) {
	parts := strings.Split(v, ":")
	var hours, minutes float64
	var secPart string
	switch len(parts) {
	case 3:
		h, err := strconv.Atoi(parts[0])
		if err != nil {
			return 0, fmt.Errorf("parse cue hours %q: %w", v, err)
		}
		hours = float64(h)
		parts = parts[1:]
		fallthrough
	case 2:
		m, err := strconv.Atoi(parts[0])
		if err != nil {
			return 0, fmt.Errorf("parse cue minutes %q: %w", v, err)
		}
		minutes = float64(m)
		secPart = parts[1]
	default:
		return 0, fmt.Errorf("malformed cue timestamp %q", v)
	}
	secs, err := strconv.ParseFloat(secPart, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cue seconds %q: %w", v, err)
	}
	return hours*3600 + minutes*60 + secs, nil
}

// Duration is the latest cue end time of cues, rounded to a tenth of a
// second. ok is false when there are no cues.
func Duration(cues []Cue) (seconds float64, ok bool) {
	if len(cues) == 0 {
		return 0, false
	}
	maxEnd := 0.0
	for _, c := range cues {
		if c.End > maxEnd {
			maxEnd = c.End
		}
	}
	return math.Round(maxEnd*10) / 10, true
}

// FileDuration parses the caption track at path and returns its Duration.
func FileDuration(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fault.Wrap(fault.NotFound, "caption duration", err)
	}
	defer f.Close()

	cues, err := ParseCues(f)
	if err != nil {
		return 0, fault.Wrap(fault.ProcessingFailed, "caption duration", err)
	}
	d, ok := Duration(cues)
	if !ok {
		return 0, fault.New(fault.NotFound, "caption duration", "caption track has no cues")
	}
	return d, nil
}

// LocateCaption probes candidates in order until one exists, polling every
// poll interval until wait has elapsed.
func LocateCaption(ctx context.Context, candidates []string, wait, poll time.Duration) (string, error) {
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		for _, c := range candidates {
			if c == "" {
				continue
			}
			if info, err := os.Stat(c); err == nil && !info.IsDir() {
				return c, nil
			}
		}
		if !time.Now().Before(deadline) {
			return "", fault.New(fault.NotFound, "locate caption", "no caption track among candidates")
		}
		select {
		case <-ctx.Done():
			return "", fault.Wrap(fault.NotFound, "locate caption", ctx.Err())
		case <-ticker.C:
		}
	}
}
