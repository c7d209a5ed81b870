// Package report renders run ledger entries as Markdown or HTML.
package report

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"

	"github.com/valpere/retrain/internal"
)

// Markdown describes a run as a Markdown document with a settings table and
// a metrics table.
func Markdown(r internal.RunRecord) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# Run %s\n\n", r.ID)

	b.WriteString("| Setting | Value |\n|---|---|\n")
	row := func(name, value string) {
		if value != "" {
			fmt.Fprintf(&b, "| %s | %s |\n", name, escape(value))
		}
	}
	row("Status", string(r.Status))
	row("Model archive", r.ModelArchive)
	row("Config file", r.ConfigFile)
	row("Serialization dir", r.SerializationDir)
	row("Overrides", r.Overrides)
	row("Extend vocab", fmt.Sprint(r.ExtendVocab))
	row("Started", r.StartedAt.Format(time.RFC3339))
	if r.FinishedAt != nil {
		row("Finished", r.FinishedAt.Format(time.RFC3339))
		row("Duration", r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String())
	}
	row("Archive", r.ArchivePath)
	row("Error", r.Error)

	if len(r.Metrics) > 0 {
		keys := make([]string, 0, len(r.Metrics))
		for k := range r.Metrics {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteString("\n## Metrics\n\n| Metric | Value |\n|---|---|\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "| %s | %s |\n", escape(k), escape(fmt.Sprint(r.Metrics[k])))
		}
	}
	return b.Bytes()
}

// escape keeps cell values from breaking the table.
func escape(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}

// ToHTML renders Markdown to an HTML fragment.
func ToHTML(md []byte) string {
	opts := html.RendererOptions{
		Flags: html.CommonFlags | html.HrefTargetBlank,
	}
	renderer := html.NewRenderer(opts)
	ext := parser.CommonExtensions | parser.Attributes
	p := parser.NewWithExtensions(ext)
	doc := p.Parse(md)
	return string(markdown.Render(doc, renderer))
}
