// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package perspective

import (
	"bytes"
	"text/template"
)

// tocPromptTmpl condenses one related page into the outline a reader would
// expect from it.
var tocPromptTmpl = template.Must(template.New("toc").Parse(`You are helping plan an encyclopedic article about "{{.Topic}}".
Below is a passage from a related page titled "{{.Title}}".
Write a short table of contents for that page: one heading per line, at most eight lines, no commentary.

Passage:
{{.Text}}
`))

// personaPromptTmpl proposes editors whose combined questions cover the topic.
var personaPromptTmpl = template.Must(template.New("persona").Parse(`You need to select a group of Wikipedia editors who will work together to create a comprehensive article on "{{.Topic}}".
Each editor represents a different perspective, role, or affiliation related to the topic.
{{- if .TOCs}}
You can use the outlines of related pages for inspiration:
{{range .TOCs}}
---
{{.}}
{{end}}
---
{{- end}}
Give a numbered list of {{.N}} editors, one per line, formatted as:
1. Short name: description of the editor's focus
Do not include a generalist; one is already on the team.
`))

// brainstormPromptTmpl is used when no related pages were found.
var brainstormPromptTmpl = template.Must(template.New("brainstorm").Parse(`You need to select a group of Wikipedia editors who will work together to create a comprehensive article on "{{.Topic}}".
No related pages are available, so rely on what you know about the topic.
Give a numbered list of {{.N}} editors with different perspectives, one per line, formatted as:
1. Short name: description of the editor's focus
Do not include a generalist; one is already on the team.
`))

type tocData struct {
	Topic string
	Title string
	Text  string
}

type personaData struct {
	Topic string
	N     int
	TOCs  []string
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
