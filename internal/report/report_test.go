package report

import (
	"strings"
	"testing"
	"time"

	"github.com/valpere/retrain/internal"
)

func testRun() internal.RunRecord {
	started := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	finished := started.Add(90 * time.Second)
	return internal.RunRecord{
		ID:               "run-1",
		ModelArchive:     "model.tar.gz",
		ConfigFile:       "config.json",
		SerializationDir: "out",
		Overrides:        `{"a|b": 1}`,
		Status:           internal.RunCompleted,
		StartedAt:        started,
		FinishedAt:       &finished,
		Metrics:          map[string]any{"test_accuracy": 0.9, "best_epoch": 2.0},
	}
}

func TestMarkdown(t *testing.T) {
	md := string(Markdown(testRun()))

	for _, want := range []string{
		"# Run run-1",
		"| Status | completed |",
		"| Duration | 1m30s |",
		`| Overrides | {"a\|b": 1} |`,
		"| best_epoch | 2 |",
		"| test_accuracy | 0.9 |",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("expected %q in:\n%s", want, md)
		}
	}
	if strings.Index(md, "best_epoch") > strings.Index(md, "test_accuracy") {
		t.Error("expected metrics in key order")
	}
	if strings.Contains(md, "| Error |") {
		t.Error("expected empty fields to be omitted")
	}
}

func TestMarkdown_NoMetrics(t *testing.T) {
	r := testRun()
	r.Metrics = nil
	r.FinishedAt = nil

	md := string(Markdown(r))
	if strings.Contains(md, "## Metrics") || strings.Contains(md, "Duration") {
		t.Errorf("unexpected sections in:\n%s", md)
	}
}

func TestToHTML(t *testing.T) {
	html := ToHTML(Markdown(testRun()))

	for _, want := range []string{"<h1", "Run run-1", "<table>", "<td>test_accuracy</td>"} {
		if !strings.Contains(html, want) {
			t.Errorf("expected %q in:\n%s", want, html)
		}
	}
}
