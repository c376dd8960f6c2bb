// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package outline

import (
	"bytes"
	"text/template"
)

// draftPromptTmpl proposes candidate headings from one transcript chunk.
var draftPromptTmpl = template.Must(template.New("draft").Parse(`You are writing an outline for a Wikipedia page about "{{.Topic}}".
Below is part of a conversation in which a writer interviewed experts about the topic.
List the section headings the page should have, using "#" for sections and "##" for subsections.
Output only Markdown headings, no prose.

Conversation:
{{.Chunk}}
`))

// mergePromptTmpl organizes all candidates into one outline.
var mergePromptTmpl = template.Must(template.New("merge").Parse(`You are writing the final outline of a Wikipedia page about "{{.Topic}}".
Merge the candidate outlines below into one well organized outline. Combine synonymous headings, order sections logically, and nest related topics as subsections.
Use "#" for sections, "##" for subsections, and "###" for sub-subsections. Output only Markdown headings, no prose.
{{- if .Reference}}

Reference outline from related pages:
{{.Reference}}
{{- end}}
{{range $i, $c := .Candidates}}
Candidate outline {{$i}}:
{{$c}}
{{end}}`))

type draftData struct {
	Topic string
	Chunk string
}

type mergeData struct {
	Topic      string
	Reference  string
	Candidates []string
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
