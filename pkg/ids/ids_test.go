package ids

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateWordCount(t *testing.T) {
	tests := []struct {
		name  string
		words int
		parts int
	}{
		{"single word", 1, 1},
		{"two words", 2, 2},
		{"three words", 3, 3},
		{"clamped low", 0, 1},
		{"clamped high", 9, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(tt.words, CaseKebab)
			id := g.Generate()
			assert.Len(t, strings.Split(id, "-"), tt.parts)
		})
	}
}

func TestJoinCaseStyles(t *testing.T) {
	words := []string{"quiet", "otter"}

	tests := []struct {
		style    string
		expected string
	}{
		{CaseKebab, "quiet-otter"},
		{CaseSnake, "quiet_otter"},
		{CaseCamel, "quietOtter"},
		{CasePascal, "QuietOtter"},
		{CaseLower, "quietotter"},
		{CaseUpper, "QUIETOTTER"},
		{CaseTitle, "Quiet Otter"},
		{"unknown", "quiet-otter"},
	}

	for _, tt := range tests {
		t.Run(tt.style, func(t *testing.T) {
			assert.Equal(t, tt.expected, Join(words, tt.style))
		})
	}
}

func TestGenerateEndsWithAnimal(t *testing.T) {
	animalSet := make(map[string]bool, len(animals))
	for _, a := range animals {
		animalSet[a] = true
	}

	g := New(3, CaseKebab)
	for i := 0; i < 50; i++ {
		parts := strings.Split(g.Generate(), "-")
		assert.True(t, animalSet[parts[len(parts)-1]],
			"last word should come from the animal vocabulary")
	}
}

func TestGenerateVariety(t *testing.T) {
	g := New(2, CaseKebab)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		seen[g.Generate()] = true
	}
	// Collisions are possible but a hundred draws should not collapse.
	assert.Greater(t, len(seen), 50)
}
