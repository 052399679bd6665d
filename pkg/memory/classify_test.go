package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseClassification(t *testing.T) {
	cases := map[string]Kind{
		`{"relation": "UPDATES", "confidence": 0.9}`:      KindUpdates,
		"```json\n{\"classification\": \"extends\"}\n```": KindExtends,
		`{"type": "NEW"}`:                                 KindNew,
		`UPDATES.`:                                        KindUpdates,
		`{"relation": "CONTRADICTS"}`:                     KindNew,
		`I am not sure what you mean`:                     KindNew,
		``:                                                KindNew,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseClassification(in).Kind, in)
	}

	c := ParseClassification(`{"relation": "UPDATES", "confidence": 3}`)
	assert.Equal(t, 0.8, c.Confidence)
}

func TestLexicalSimilarity(t *testing.T) {
	l := NewLexicalEmbedder()
	a := l.vector("moved to Cork last spring")
	b := l.vector("Moved to Cork last spring!")
	c := l.vector("enjoys baking sourdough")
	assert.InDelta(t, 1.0, CosineSimilarity(a, b), 1e-6)
	assert.Less(t, CosineSimilarity(a, c), 0.5)
	assert.Equal(t, 0.0, CosineSimilarity(a, []float32{1}))
}
