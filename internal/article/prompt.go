// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package article

import (
	"bytes"
	"text/template"
)

// sectionPromptTmpl drafts one top-level section and its subsections from
// numbered knowledge entries.
var sectionPromptTmpl = template.Must(template.New("section").Funcs(template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}).Parse(`You are writing the "{{.Heading}}" section of a Wikipedia-style article about "{{.Topic}}".
{{- if .Entries}}
Write using only the collected information below. Cite it with inline markers such as [1] or [2][3] placed right after the supported sentence.
Do not cite numbers that are not listed and do not add facts that are not in the information.

Collected information:
{{range $i, $e := .Entries}}[{{inc $i}}] {{$e}}
{{end}}
{{- else}}
No collected information is available for this section. Write a brief, neutral section without citations.
{{- end}}
{{- if .Outline}}

Follow this structure, starting each subsection with its Markdown heading:
{{.Outline}}
{{- end}}

Write the section body now. Do not repeat the section title "{{.Heading}}" and do not include a references list.
`))

type sectionData struct {
	Topic   string
	Heading string
	Outline string
	Entries []string
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
