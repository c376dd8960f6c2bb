// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package perspective

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pdiddy/curation-engine/internal/backend"
	"github.com/pdiddy/curation-engine/internal/backend/fake"
	"github.com/pdiddy/curation-engine/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// Started by go.opencensus.io at init, via the genai client.
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

const personaReply = `1. Aviation historian: Traces the development of early powered flight and its pioneers.
2. **Aerospace engineer**: Focuses on wing design, propulsion, and control systems.
3. Aviation historian: Duplicate name that should be dropped.
4. Safety regulator: Cares about certification, accident investigation, and regulation.`

func relatedPages() *fake.Retriever {
	return &fake.Retriever{Results: map[string][]types.Snippet{
		"Wright brothers": {
			{SourceID: "https://en.wikipedia.org/wiki/Wright_brothers", Title: "Wright brothers", Text: "The Wright brothers were American aviation pioneers."},
			{SourceID: "https://en.wikipedia.org/wiki/Wright_Flyer", Title: "Wright Flyer", Text: "The Wright Flyer was the first successful powered aircraft."},
		},
	}}
}

func TestDiscoverGeneralistFirst(t *testing.T) {
	lm := fake.NewLM().
		On(backend.PurposeTOC, fake.Text("History\nDesign\nLegacy")).
		On(backend.PurposePersona, fake.Text(personaReply))
	d := New(Options{LM: lm, RM: relatedPages()})

	res, err := d.Discover(context.Background(), "Wright brothers", 5, nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.Personas)
	assert.Equal(t, types.GeneralistName, res.Personas[0].Name)

	names := make([]string, len(res.Personas))
	for i, p := range res.Personas {
		names[i] = p.Name
	}
	assert.Equal(t, []string{types.GeneralistName, "Aviation historian", "Aerospace engineer", "Safety regulator"}, names)
	assert.Len(t, res.Related, 2)
	assert.Equal(t, 2, lm.Count(backend.PurposeTOC))
	assert.Empty(t, res.Warnings)
}

func TestDiscoverUsesTablesOfContents(t *testing.T) {
	lm := fake.NewLM().
		On(backend.PurposeTOC, fake.Text("Early gliders\nFirst flight")).
		On(backend.PurposePersona, fake.Text(personaReply))
	d := New(Options{LM: lm, RM: relatedPages()})

	_, err := d.Discover(context.Background(), "Wright brothers", 3, nil)
	require.NoError(t, err)

	var personaPrompt string
	for _, c := range lm.Calls() {
		if c.Purpose == backend.PurposePersona {
			personaPrompt = c.Prompt
		}
	}
	assert.Contains(t, personaPrompt, "Early gliders")
	assert.Contains(t, personaPrompt, "Wright Flyer")
}

func TestDiscoverCapsAtN(t *testing.T) {
	lm := fake.NewLM().On(backend.PurposePersona, fake.Text(personaReply))
	d := New(Options{LM: lm})

	res, err := d.Discover(context.Background(), "Wright brothers", 1, nil)
	require.NoError(t, err)
	require.Len(t, res.Personas, 2)
	assert.Equal(t, types.GeneralistName, res.Personas[0].Name)
}

func TestDiscoverBrainstormsWithoutResults(t *testing.T) {
	lm := fake.NewLM().On(backend.PurposePersona, fake.Text(personaReply))
	d := New(Options{LM: lm, RM: &fake.Retriever{}})

	res, err := d.Discover(context.Background(), "Obscure topic", 3, nil)
	require.NoError(t, err)
	assert.Len(t, res.Personas, 4)
	assert.Zero(t, lm.Count(backend.PurposeTOC))

	calls := lm.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Prompt, "No related pages are available")
}

func TestDiscoverBrainstormsWhenRetrieverFails(t *testing.T) {
	lm := fake.NewLM().On(backend.PurposePersona, fake.Text(personaReply))
	d := New(Options{LM: lm, RM: fake.Failing(false)})

	res, err := d.Discover(context.Background(), "Wright brothers", 3, nil)
	require.NoError(t, err)
	assert.Len(t, res.Personas, 4)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0].Message, "brainstorming")
}

func TestDiscoverLMFailureKeepsGeneralist(t *testing.T) {
	lm := fake.NewLM().On(backend.PurposePersona, func(string, int) (string, error) {
		return "", backend.LMError(errors.New("quota exceeded"), false)
	})
	d := New(Options{LM: lm})

	res, err := d.Discover(context.Background(), "Wright brothers", 3, nil)
	require.NoError(t, err)
	require.Len(t, res.Personas, 1)
	assert.Equal(t, types.GeneralistName, res.Personas[0].Name)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0].Message, "quota exceeded")
}

func TestDiscoverCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := New(Options{LM: fake.NewLM(), RM: relatedPages()})

	res, err := d.Discover(ctx, "Wright brothers", 3, nil)
	require.Error(t, err)
	assert.True(t, backend.IsCancelled(err))
	assert.Equal(t, types.GeneralistName, res.Personas[0].Name)
}

func TestDiscoverSeedsAreSearched(t *testing.T) {
	rm := relatedPages()
	lm := fake.NewLM().On(backend.PurposePersona, fake.Text(personaReply))
	d := New(Options{LM: lm, RM: rm})

	_, err := d.Discover(context.Background(), "Wright brothers", 2, []string{"Kitty Hawk", " "})
	require.NoError(t, err)
	assert.Equal(t, []string{"Wright brothers", "Kitty Hawk"}, rm.Queries())
}

func TestParsePersonas(t *testing.T) {
	got := ParsePersonas("Here are the editors:\n1. Economist: Studies market effects.\n- Basic fact writer: generic\n\n2) Lawyer")
	require.Len(t, got, 2)
	assert.Equal(t, types.Persona{Name: "Economist", Description: "Studies market effects."}, got[0])
	assert.Equal(t, types.Persona{Name: "Lawyer", Description: "Lawyer"}, got[1])
}

func TestDedupeBySimilarity(t *testing.T) {
	desc := "Focuses on the engineering of wings, engines, and control surfaces in early aircraft."
	in := []types.Persona{
		{Name: "Engineer", Description: desc},
		{Name: "Designer", Description: desc},
		{Name: "ENGINEER", Description: "Something else entirely about policy."},
		{Name: "Economist", Description: "Studies the market for early commercial aviation."},
	}
	out := Dedupe(in, DefaultThreshold)
	require.Len(t, out, 2)
	assert.Equal(t, "Engineer", out[0].Name)
	assert.Equal(t, "Economist", out[1].Name)
	for _, p := range out {
		assert.False(t, strings.EqualFold(p.Name, "designer"))
	}
}
