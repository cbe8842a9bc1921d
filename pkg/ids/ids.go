package ids

import (
	"math/rand"
	"strings"
	"sync"
)

// Case styles recognized by the generator.
const (
	CaseKebab  = "kebab-case"
	CaseSnake  = "snake_case"
	CaseCamel  = "camelCase"
	CasePascal = "PascalCase"
	CaseLower  = "lowercase"
	CaseUpper  = "UPPERCASE"
	CaseTitle  = "Title Case"
)

var adjectives = []string{
	"amber", "ancient", "autumn", "billowing", "bitter", "black", "blue",
	"bold", "brave", "bright", "broad", "calm", "cool", "crimson",
	"curly", "damp", "dawn", "delicate", "divine", "dry", "eager",
	"early", "fancy", "flat", "floral", "fragrant", "frosty", "gentle",
	"green", "hidden", "holy", "icy", "jolly", "late", "lingering",
	"little", "lively", "long", "lucky", "misty", "morning", "muddy",
	"mute", "nameless", "noisy", "odd", "old", "orange", "patient",
	"plain", "polished", "proud", "purple", "quiet", "rapid", "raspy",
	"red", "restless", "rough", "round", "royal", "shiny", "shrill",
	"shy", "silent", "small", "snowy", "soft", "solitary", "sparkling",
	"spring", "square", "steep", "still", "summer", "sweet", "swift",
	"tall", "tight", "tiny", "twilight", "wandering", "weathered",
	"white", "wild", "winter", "wispy", "withered", "yellow", "young",
}

var animals = []string{
	"alpaca", "ant", "badger", "bat", "bear", "beaver", "bee", "bison",
	"boar", "camel", "cat", "cheetah", "cobra", "condor", "coyote",
	"crab", "crane", "crow", "deer", "dingo", "dolphin", "donkey",
	"dove", "dragonfly", "duck", "eagle", "eel", "elk", "falcon",
	"ferret", "finch", "fox", "frog", "gazelle", "gecko", "gibbon",
	"goat", "goose", "gopher", "grouse", "hare", "hawk", "hedgehog",
	"heron", "horse", "hound", "ibex", "iguana", "jackal", "jay",
	"koala", "lark", "lemur", "lizard", "llama", "loon", "lynx",
	"macaw", "magpie", "marmot", "marten", "mole", "moose", "moth",
	"mouse", "newt", "otter", "owl", "panda", "panther", "parrot",
	"pelican", "penguin", "pheasant", "pika", "pony", "puffin",
	"quail", "rabbit", "raccoon", "raven", "robin", "salmon", "seal",
	"shrew", "skunk", "sparrow", "squid", "stork", "swan", "tapir",
	"tern", "toad", "trout", "turtle", "vole", "walrus", "weasel",
	"wolf", "wombat", "wren", "yak", "zebra",
}

var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(seed()))
)

// Generator produces human-pronounceable ids from two disjoint
// vocabularies: N-1 adjectives followed by one animal.
type Generator struct {
	Words int
	Case  string
}

// New returns a generator clamped to a sane word count.
func New(words int, caseStyle string) *Generator {
	if words < 1 {
		words = 1
	}
	if words > 4 {
		words = 4
	}
	return &Generator{Words: words, Case: caseStyle}
}

// Generate returns a fresh random id. Callers handle collisions by
// retrying on key violation; the space is large enough that retries are
// rare at project scale.
func (g *Generator) Generate() string {
	rngMu.Lock()
	defer rngMu.Unlock()

	words := make([]string, 0, g.Words)
	for i := 0; i < g.Words-1; i++ {
		words = append(words, adjectives[rng.Intn(len(adjectives))])
	}
	words = append(words, animals[rng.Intn(len(animals))])
	return Join(words, g.Case)
}

// Join renders a word list in the given case style. Unknown styles
// fall back to kebab-case.
func Join(words []string, caseStyle string) string {
	switch caseStyle {
	case CaseSnake:
		return strings.Join(words, "_")
	case CaseCamel:
		out := words[0]
		for _, w := range words[1:] {
			out += title(w)
		}
		return out
	case CasePascal:
		var out string
		for _, w := range words {
			out += title(w)
		}
		return out
	case CaseLower:
		return strings.Join(words, "")
	case CaseUpper:
		return strings.ToUpper(strings.Join(words, ""))
	case CaseTitle:
		titled := make([]string, len(words))
		for i, w := range words {
			titled[i] = title(w)
		}
		return strings.Join(titled, " ")
	default:
		return strings.Join(words, "-")
	}
}

func title(w string) string {
	if w == "" {
		return w
	}
	return strings.ToUpper(w[:1]) + w[1:]
}
