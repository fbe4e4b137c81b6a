package importer

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
)

var parentSKUPattern = regexp.MustCompile(`^(\d{3})-(\d{3})$`)

// dimensionPattern matches measurement tokens such as 60cm, 1.5L, 120x60cm
var dimensionPattern = regexp.MustCompile(`(?i)^\d+(\.\d+)?(x\d+(\.\d+)?)*(cm|mm|m|in|inch|inches|ml|l|kg|g)$`)

var colourWords = wordSet(
	"black", "white", "grey", "gray", "red", "blue", "green", "yellow", "orange", "purple",
	"pink", "brown", "beige", "cream", "navy", "ivory", "silver", "gold", "charcoal", "teal",
	"turquoise", "burgundy", "maroon", "olive", "khaki", "tan", "taupe", "natural", "clear",
	"transparent", "multi", "multicolour", "multicolor", "mint", "coral", "lilac", "mustard",
	"ochre", "sage", "stone", "sand", "aqua", "indigo", "violet", "copper", "bronze", "chrome",
	"light", "dark", "pale", "bright",
)

var sizeWords = wordSet(
	"xxs", "xs", "s", "m", "l", "xl", "xxl", "xxxl", "2xl", "3xl", "4xl", "5xl",
	"small", "medium", "large", "extra", "one-size", "onesize", "os",
	"single", "double", "king", "queen", "super-king",
)

var materialWords = wordSet(
	"cotton", "linen", "polyester", "wool", "silk", "leather", "velvet", "satin", "denim",
	"suede", "nylon", "bamboo", "oak", "pine", "walnut", "ash", "steel", "aluminium",
	"aluminum", "glass", "ceramic", "plastic", "fabric", "faux",
)

func wordSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// ExtractParentSKUPrefix returns the parent digits of a NNN-NNN variant SKU.
// Any other format reports false so the row falls through to name-based grouping.
func ExtractParentSKUPrefix(sku string) (string, bool) {
	m := parentSKUPattern.FindStringSubmatch(sku)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// StripVariantDescriptors removes the trailing run of colour, size, material and
// dimension tokens from a product name. It is a best-effort heuristic: it stops at
// the first token it does not recognise and never returns an empty name.
func StripVariantDescriptors(name string) string {
	tokens := strings.Fields(name)
	if len(tokens) == 0 {
		return name
	}

	end := len(tokens)
	for end > 0 {
		tok := cleanToken(tokens[end-1])
		switch {
		case tok == "":
			end--
		case end >= 2 && strings.EqualFold(cleanToken(tokens[end-2]), "size"):
			end -= 2
		case isDescriptor(tok):
			end--
		default:
			return joinOrOriginal(tokens[:end], name)
		}
	}
	return name
}

func joinOrOriginal(tokens []string, original string) string {
	if len(tokens) == 0 {
		return original
	}
	stripped := strings.Join(tokens, " ")
	stripped = strings.TrimRightFunc(stripped, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
	if stripped == "" {
		return original
	}
	return stripped
}

// cleanToken lower-cases a token and trims surrounding punctuation; a bare
// separator such as "-" or "/" cleans to the empty string.
func cleanToken(tok string) string {
	return strings.ToLower(strings.TrimFunc(tok, func(r rune) bool {
		return unicode.IsPunct(r) && r != '.'
	}))
}

func isDescriptor(tok string) bool {
	if _, ok := colourWords[tok]; ok {
		return true
	}
	if _, ok := sizeWords[tok]; ok {
		return true
	}
	if _, ok := materialWords[tok]; ok {
		return true
	}
	if tok == "size" {
		return true
	}
	// colour pairs like "black/white" or "navy-blue"
	if parts := strings.FieldsFunc(tok, func(r rune) bool { return r == '/' || r == '-' }); len(parts) > 1 {
		for _, p := range parts {
			if _, ok := colourWords[p]; !ok {
				return false
			}
		}
		return true
	}
	return dimensionPattern.MatchString(tok)
}

// SimilarityGroupKey returns the longest common leading word sequence of names.
// Words compare case-insensitively; the casing of the first name is kept. When the
// names share no leading word the shortest name wins, ties broken lexicographically.
func SimilarityGroupKey(names []string) string {
	if len(names) == 0 {
		return ""
	}

	common := strings.Fields(names[0])
	for _, name := range names[1:] {
		tokens := strings.Fields(name)
		n := 0
		for n < len(common) && n < len(tokens) && strings.EqualFold(common[n], tokens[n]) {
			n++
		}
		common = common[:n]
		if n == 0 {
			break
		}
	}
	if len(common) > 0 {
		return strings.Join(common, " ")
	}

	sorted := append([]string(nil), names...)
	sort.Slice(sorted, func(i, j int) bool {
		if len(sorted[i]) != len(sorted[j]) {
			return len(sorted[i]) < len(sorted[j])
		}
		return sorted[i] < sorted[j]
	})
	return sorted[0]
}

// normalizeKey is the case-folded, whitespace-collapsed form used in map keys
func normalizeKey(value string) string {
	return strings.ToLower(strings.Join(strings.Fields(value), " "))
}
