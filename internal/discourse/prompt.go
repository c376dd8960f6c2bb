// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package discourse

import (
	"bytes"
	"text/template"
)

// conceptPromptTmpl names the concept one knowledge entry is about.
var conceptPromptTmpl = template.Must(template.New("concept").Parse(`The following fact was collected while researching "{{.Topic}}".
Name the single concept it is about in at most four words. Reply with the concept name only.

Fact: {{.Text}}
`))

// speakerPromptTmpl scores the candidates for the next turn.
var speakerPromptTmpl = template.Must(template.New("speaker").Funcs(template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}).Parse(`A round-table discussion about "{{.Topic}}" is in progress.
{{- if .Focus}}
These concepts have received the least attention so far: {{.Focus}}.
{{- end}}
{{- if .History}}

Recent discussion:
{{.History}}
{{- end}}

Candidates for the next turn:
{{range $i, $c := .Candidates}}{{inc $i}}. {{$c}}
{{end}}
Score each candidate from 0 to 10 by how likely their next question is to explore the neglected concepts.
Reply with one line per candidate in the form "number: score".
`))

type conceptData struct {
	Topic string
	Text  string
}

type speakerData struct {
	Topic      string
	Focus      string
	History    string
	Candidates []string
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
