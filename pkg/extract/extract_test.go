package extract_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/dcsobral/customer-tools/pkg/extract"
	"github.com/dcsobral/customer-tools/pkg/jsonl"
	"github.com/dcsobral/customer-tools/pkg/jsonpath"
	"github.com/dcsobral/customer-tools/pkg/progress"
	"github.com/dcsobral/customer-tools/pkg/source/memory"
	"github.com/dcsobral/customer-tools/pkg/transcode"
	"github.com/dcsobral/customer-tools/pkg/types"
)

type countingSource struct {
	types.Source
	clock  *clocktesting.FakeClock
	calls  []string
	limits []int
}

func (s *countingSource) Scan(ctx context.Context, table string, token types.Token, limit int) (types.Page, error) {
	s.calls = append(s.calls, "scan")
	s.limits = append(s.limits, limit)
	if s.clock != nil {
		s.clock.Step(time.Second)
	}
	return s.Source.Scan(ctx, table, token, limit)
}

func (s *countingSource) CountItems(ctx context.Context, table string) (int, error) {
	s.calls = append(s.calls, "count")
	return s.Source.CountItems(ctx, table)
}

type failingSource struct {
	types.Source
}

func (failingSource) Scan(context.Context, string, types.Token, int) (types.Page, error) {
	return types.Page{}, errors.New("AccessDeniedException")
}

type recordingReporter struct {
	events   []progress.Event
	finished bool
}

func (r *recordingReporter) Report(ev progress.Event) { r.events = append(r.events, ev) }
func (r *recordingReporter) Finish()                  { r.finished = true }

func gzipBase64(t *testing.T, s string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func parse(t *testing.T, s string) types.Record {
	t.Helper()
	v, err := jsonl.Unmarshal([]byte(s))
	require.NoError(t, err)
	return v.(map[string]any)
}

func textRecords(t *testing.T, n int) []types.Record {
	t.Helper()
	records := make([]types.Record, n)
	for i := range records {
		records[i] = parse(t, fmt.Sprintf(`{"id":{"S":"p%d"},"projectData":{"S":"{\"n\":%d}"}}`, i, i))
	}
	return records
}

func defaultOptions() extract.Options {
	return extract.Options{
		Table:     "projects",
		BatchSize: 25,
		Total:     100,
		Binary:    transcode.PathSpec{Path: jsonpath.MustParse(transcode.DefaultBinaryPath), Default: transcode.DefaultBinaryLiteral},
		Text:      transcode.PathSpec{Path: jsonpath.MustParse(transcode.DefaultTextPath), Default: transcode.DefaultTextLiteral},
	}
}

func lines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func TestPipeline_Run(t *testing.T) {
	t.Run("five text records", func(t *testing.T) {
		src := &countingSource{Source: memory.New("projects", textRecords(t, 5))}
		reporter := &recordingReporter{}
		opts := defaultOptions()
		opts.Total = 5
		opts.Progress = reporter

		var out, diag bytes.Buffer
		stats, err := extract.New(src, opts).Run(context.Background(), &out, &diag)
		require.NoError(t, err)

		assert.Equal(t, extract.Stats{Read: 5, Decoded: 5, Pages: 1}, stats)
		got := lines(out.String())
		require.Len(t, got, 5)
		assert.Equal(t, `{"id":{"S":"p0"},"projectData":{"S":{"n":0}}}`, got[0])
		assert.Equal(t, `{"id":{"S":"p4"},"projectData":{"S":{"n":4}}}`, got[4])
		assert.Empty(t, diag.String())
		assert.Equal(t, []progress.Event{{ItemsRead: 5, Total: 5}}, reporter.events)
		assert.True(t, reporter.finished)
	})

	t.Run("quota split over two pages", func(t *testing.T) {
		src := &countingSource{Source: memory.New("projects", textRecords(t, 100))}
		reporter := &recordingReporter{}
		opts := defaultOptions()
		opts.Total = 40
		opts.Progress = reporter

		var out, diag bytes.Buffer
		stats, err := extract.New(src, opts).Run(context.Background(), &out, &diag)
		require.NoError(t, err)

		assert.Equal(t, []int{25, 15}, src.limits)
		assert.Equal(t, 40, stats.Read)
		assert.Len(t, lines(out.String()), 40)
		assert.Equal(t, []progress.Event{{ItemsRead: 25, Total: 40}, {ItemsRead: 40, Total: 40}}, reporter.events)
	})

	t.Run("discover all ignores total", func(t *testing.T) {
		clock := clocktesting.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
		src := &countingSource{Source: memory.New("projects", textRecords(t, 40)), clock: clock}
		reporter := &recordingReporter{}
		opts := defaultOptions()
		opts.Total = 10
		opts.BatchSize = 7
		opts.DiscoverAll = true
		opts.Timer = true
		opts.Clock = clock
		opts.Progress = reporter

		var out, diag bytes.Buffer
		stats, err := extract.New(src, opts).Run(context.Background(), &out, &diag)
		require.NoError(t, err)

		assert.Equal(t, []string{"count", "scan", "scan", "scan", "scan", "scan", "scan"}, src.calls)
		assert.Equal(t, 40, stats.Read)
		assert.Len(t, lines(out.String()), 40)

		require.Len(t, reporter.events, 7)
		assert.Equal(t, progress.Event{ItemsRead: 0, Total: 40, Timed: true}, reporter.events[0])
		assert.Equal(t, progress.Event{
			ItemsRead: 7,
			Total:     40,
			Timed:     true,
			Elapsed:   time.Second,
			Estimated: 40 * time.Second / 7,
		}, reporter.events[1])
		last := reporter.events[6]
		assert.Equal(t, 40, last.ItemsRead)
		assert.Equal(t, 6*time.Second, last.Elapsed)
		assert.Equal(t, 6*time.Second, last.Estimated)
	})

	t.Run("bad records are reported and skipped", func(t *testing.T) {
		records := []types.Record{
			parse(t, `{"id":{"S":"ok1"},"projectData":{"S":"{}"}}`),
			parse(t, `{"id":{"S":"bad-text"},"projectData":{"S":"{nope"}}`),
			parse(t, `{"id":{"S":"ok2"},"projectBinaryData":{"B":"`+gzipBase64(t, `{"b":true}`)+`"}}`),
			parse(t, `{"id":{"S":"bad-binary"},"projectBinaryData":{"B":"bm90IGd6aXA="}}`),
			parse(t, `{"id":{"S":"ok3"}}`),
		}
		src := memory.New("projects", records)

		var out, diag bytes.Buffer
		stats, err := extract.New(src, defaultOptions()).Run(context.Background(), &out, &diag)
		require.NoError(t, err)

		assert.Equal(t, extract.Stats{Read: 5, Decoded: 3, Failed: 2, Pages: 1}, stats)
		assert.Equal(t, []string{
			`{"id":{"S":"ok1"},"projectData":{"S":{}}}`,
			`{"id":{"S":"ok2"},"projectBinaryData":{"B":{"b":true}}}`,
			`{"id":{"S":"ok3"}}`,
		}, lines(out.String()))
		assert.Equal(t, []string{
			extract.FailureMarker,
			`{"id":{"S":"bad-text"},"projectData":{"S":"{nope"}}`,
			extract.FailureMarker,
			`{"id":{"S":"bad-binary"},"projectBinaryData":{"B":"bm90IGd6aXA="}}`,
		}, lines(diag.String()))
	})

	t.Run("records without payloads pass through", func(t *testing.T) {
		input := `{"big":12345678901234567890,"id":{"S":"x"},"tags":{"L":[{"S":"<a&b>"}]}}`
		src := memory.New("projects", []types.Record{parse(t, input)})

		var out, diag bytes.Buffer
		_, err := extract.New(src, defaultOptions()).Run(context.Background(), &out, &diag)
		require.NoError(t, err)
		assert.Equal(t, input+"\n", out.String())
	})

	t.Run("empty table", func(t *testing.T) {
		src := &countingSource{Source: memory.New("projects", nil)}
		reporter := &recordingReporter{}
		opts := defaultOptions()
		opts.Progress = reporter

		var out, diag bytes.Buffer
		stats, err := extract.New(src, opts).Run(context.Background(), &out, &diag)
		require.NoError(t, err)
		assert.Equal(t, extract.Stats{Pages: 1}, stats)
		assert.Empty(t, out.String())
		assert.Empty(t, diag.String())
		assert.Equal(t, []progress.Event{{ItemsRead: 0, Total: 100}}, reporter.events)
	})

	t.Run("zero total fetches nothing", func(t *testing.T) {
		src := &countingSource{Source: memory.New("projects", textRecords(t, 3))}
		opts := defaultOptions()
		opts.Total = 0

		var out, diag bytes.Buffer
		stats, err := extract.New(src, opts).Run(context.Background(), &out, &diag)
		require.NoError(t, err)
		assert.Equal(t, extract.Stats{}, stats)
		assert.Empty(t, src.calls)
	})

	t.Run("scan failure is fatal", func(t *testing.T) {
		var out, diag bytes.Buffer
		_, err := extract.New(failingSource{}, defaultOptions()).Run(context.Background(), &out, &diag)
		assert.ErrorContains(t, err, "AccessDeniedException")
	})
}

func TestPipeline_Workers(t *testing.T) {
	records := textRecords(t, 60)
	records[17] = parse(t, `{"id":{"S":"bad"},"projectData":{"S":"]"}}`)

	var want bytes.Buffer
	for i, rec := range textRecords(t, 60) {
		if i == 17 {
			continue
		}
		b, err := jsonl.Marshal(transcode.New(defaultOptions().Binary, defaultOptions().Text).Transcode(rec).Record)
		require.NoError(t, err)
		want.Write(append(b, '\n'))
	}

	opts := defaultOptions()
	opts.Workers = 8
	var out, diag bytes.Buffer
	stats, err := extract.New(memory.New("projects", records), opts).Run(context.Background(), &out, &diag)
	require.NoError(t, err)

	assert.Equal(t, want.String(), out.String())
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, []string{extract.FailureMarker, `{"id":{"S":"bad"},"projectData":{"S":"]"}}`}, lines(diag.String()))
}
