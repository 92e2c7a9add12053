package recall

import "strings"

const maxKeywords = 3

var stopWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`the a an is are was were be been being have has had do does did
		will would could should may might must shall can of to in for on with at by from as into
		through during before after above below and but or if then else when where why how all each
		every both few more most other some such no nor not only own same so than too very just what
		find solve calculate determine evaluate compute given that this`) {
		stopWords[w] = struct{}{}
	}
}

// ExtractKeywords returns up to three significant query tokens in their original order.
// Tokens are lowercased with '?' and '.' removed; stop-words and tokens of two runes or
// fewer are skipped.
func ExtractKeywords(query string) []string {
	cleaned := strings.NewReplacer("?", "", ".", "").Replace(strings.ToLower(query))
	var out []string
	for _, tok := range strings.Fields(cleaned) {
		if _, stop := stopWords[tok]; stop {
			continue
		}
		if len([]rune(tok)) <= 2 {
			continue
		}
		out = append(out, tok)
		if len(out) == maxKeywords {
			break
		}
	}
	return out
}
