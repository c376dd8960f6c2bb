// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package polish

import (
	"bytes"
	"text/template"
)

var summaryPromptTmpl = template.Must(template.New("summary").Parse(`Write the lead section of a Wikipedia-style article titled "{{.Title}}".
The lead summarizes the article body below in one or two short paragraphs.
Use only facts stated in the body. Do not add headings, citation markers, or a references list.

Article body:
{{.Body}}
`))

type summaryData struct {
	Title string
	Body  string
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
