// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package conversation

import (
	"bytes"
	"text/template"
)

// questionPromptTmpl asks a persona for its next question.
var questionPromptTmpl = template.Must(template.New("question").Parse(`You are an experienced Wikipedia writer who wants to edit a page about "{{.Topic}}".
Besides writing, your specific focus is: {{.Persona}}
You are chatting with an expert to get information. Ask good questions to learn more about the topic.
When you have no more questions, say "{{.StopPhrase}}" to end the conversation.
Ask only one question at a time and do not repeat earlier questions.
{{- if .History}}

Conversation so far:
{{.History}}
{{- end}}

Your next question:
`))

// expertQuestionPromptTmpl asks a collaborative expert to raise the next
// point of discussion.
var expertQuestionPromptTmpl = template.Must(template.New("expert").Parse(`You are {{.Persona}} taking part in a round-table discussion about "{{.Topic}}".
Raise one question or point that moves the discussion forward from your expertise.
{{- if .Focus}}
Concepts that have received little attention so far: {{.Focus}}.
{{- end}}
{{- if .History}}

Discussion so far:
{{.History}}
{{- end}}

Your question:
`))

// moderatorPromptTmpl steers the discussion toward under-explored concepts.
var moderatorPromptTmpl = template.Must(template.New("moderator").Parse(`You are the moderator of a round-table discussion about "{{.Topic}}".
Your job is to steer the discussion toward aspects that have not been covered.
{{- if .Focus}}
Concepts that have received little attention so far: {{.Focus}}.
{{- end}}
{{- if .History}}

Discussion so far:
{{.History}}
{{- end}}

Ask one question that opens a new direction:
`))

// queriesPromptTmpl rewrites a question into search queries.
var queriesPromptTmpl = template.Must(template.New("queries").Parse(`You want to answer the question using a search engine.
Topic you are discussing: {{.Topic}}
Question: {{.Question}}

Write at most {{.MaxQueries}} search queries, one per line, formatted as:
- query 1
- query 2
`))

// answerPromptTmpl grounds an answer in numbered snippets.
var answerPromptTmpl = template.Must(template.New("answer").Funcs(template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}).Parse(`You are an expert who can use information effectively. You are chatting with a Wikipedia writer who is writing about "{{.Topic}}".
Answer the question using only the information below. Every sentence must end with the citation markers of the sources it uses, e.g. "... [1][3]."
If the information does not answer the question, say so briefly. Do not make up facts.

{{range $i, $s := .Snippets}}[{{inc $i}}] {{$s.Title}}
{{$s.Text}}

{{end}}Question: {{.Question}}

Answer:
`))

type questionData struct {
	Topic      string
	Persona    string
	StopPhrase string
	History    string
	Focus      string
}

type queriesData struct {
	Topic      string
	Question   string
	MaxQueries int
}

type answerSnippet struct {
	Title string
	Text  string
}

type answerData struct {
	Topic    string
	Question string
	Snippets []answerSnippet
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
