package render

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/dshills/autoperf/internal/schema"
)

type markdownRenderer struct{}

var mdTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"pct": func(f float64) string { return fmt.Sprintf("%.2f%%", 100*f) },
	"num": func(f float64) string { return fmt.Sprintf("%.6g", f) },
}).Parse(`# AutoPerf Report

**Verdict:** {{ .Summary.Verdict }}
**Anomaly rate:** {{ pct .Summary.AnomalyRate }} (threshold {{ pct .Summary.Threshold }})
**Regions:** {{ .Summary.Regions }} | **Anomalous:** {{ .Summary.Anomalous }} | **Clusters:** {{ .Summary.Clusters }}

**Nominal:** {{ .Experiment.Nominal }} | **Candidate:** {{ .Experiment.Candidate }} | **Experiment:** {{ .Experiment.ID }}
**Counters:** {{ range $i, $c := .Experiment.Counters }}{{ if $i }}, {{ end }}{{ $c }}{{ end }}
{{ if .Experiment.DroppedRuns }}> Runs dropped as incomplete: {{ range $i, $r := .Experiment.DroppedRuns }}{{ if $i }}, {{ end }}{{ $r }}{{ end }}
{{ end }}{{ if .Clusters }}
---

## Clusters

| Cluster | Marks | Regions | Anomalous | Bound | Nominal mean | Nominal max |
|---|---|---|---|---|---|---|
{{ range .Clusters }}| {{ .ID }} | {{ len .Marks }} | {{ .Regions }} | {{ .Anomalous }} | {{ num .ErrorBound }} | {{ num .NominalMean }} | {{ num .NominalMax }} |
{{ end }}{{ end }}{{ if .Regions }}
---

## Regions

| Run | Mark | Cluster | Error | Bound | |
|---|---|---|---|---|---|
{{ range .Regions }}| {{ .Run }} | {{ .Mark }} | {{ .Cluster }} | {{ num .Error }} | {{ num .Bound }} | {{ if .Anomalous }}ANOMALOUS{{ end }} |
{{ end }}{{ end }}
---
*Activation: {{ .Meta.Activation }} | Latent: {{ .Meta.Latent }} | Loss: {{ .Meta.Loss }} | Multiplier: {{ .Meta.Multiplier }}*
`))

func (r *markdownRenderer) Render(report *schema.Report) ([]byte, error) {
	var buf bytes.Buffer
	if err := mdTemplate.Execute(&buf, report); err != nil {
		return nil, fmt.Errorf("rendering markdown: %w", err)
	}
	return buf.Bytes(), nil
}
