package aggregate

import (
	"bufio"
	"os"
	"regexp"
	"strings"
)

var (
	urlRE     = regexp.MustCompile(`https?://\S+|www\.\S+`)
	mentionRE = regexp.MustCompile(`[@#]\S+`)
	tokenRE   = regexp.MustCompile(`[a-zàâçéèêëîïôûùüÿñæœ']{3,}`)
)

// Tokenize lowercases content, strips URLs, mentions, hashtags and
// punctuation, and returns alphabetic tokens of length >= 3 that survive
// the stop-word filter.
func Tokenize(content string, stop Stopwords) []string {
	text := strings.ToLower(content)
	text = urlRE.ReplaceAllString(text, " ")
	text = mentionRE.ReplaceAllString(text, " ")
	raw := tokenRE.FindAllString(text, -1)
	tokens := make([]string, 0, len(raw))
	for _, t := range raw {
		if stop.Contains(t) {
			continue
		}
		tokens = append(tokens, t)
	}
	return tokens
}

// Stopwords is the fixed lowercase stop-word set loaded once per job.
type Stopwords map[string]struct{}

func (s Stopwords) Contains(word string) bool {
	_, ok := s[word]
	return ok
}

// LoadStopwords reads one word per line (CSV with a single column works the
// same way). Blank lines and comment lines are skipped; words are lowered.
func LoadStopwords(path string) (Stopwords, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	set := make(Stopwords)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		word := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if word == "" || strings.HasPrefix(word, "#") {
			continue
		}
		// tolerate "word," trailing separators from CSV exports
		word = strings.Trim(word, ",;")
		if word == "" {
			continue
		}
		set[word] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return set, nil
}

// DefaultStopwords returns the baked-in set used when no stop-word file is
// configured.
func DefaultStopwords() Stopwords {
	set := make(Stopwords, len(defaultStopwordList))
	for _, w := range defaultStopwordList {
		set[w] = struct{}{}
	}
	return set
}

var defaultStopwordList = []string{
	"the", "and", "for", "are", "but", "not", "you", "all", "any", "can",
	"had", "her", "was", "one", "our", "out", "day", "get", "has", "him",
	"his", "how", "man", "new", "now", "old", "see", "two", "way", "who",
	"did", "its", "let", "put", "say", "she", "too", "use", "that", "with",
	"have", "this", "will", "your", "from", "they", "know", "want", "been",
	"good", "much", "some", "time", "very", "when", "come", "here", "just",
	"like", "long", "make", "many", "more", "only", "over", "such", "take",
	"than", "them", "well", "were", "what", "about", "after", "again",
	"also", "back", "because", "before", "being", "between", "both",
	"could", "does", "doing", "down", "during", "each", "even", "every",
	"first", "going", "into", "itself", "most", "other", "people", "same",
	"should", "since", "still", "their", "there", "these", "thing",
	"things", "think", "those", "through", "today", "under", "until",
	"where", "which", "while", "would", "really", "right", "never", "dont",
	"cant", "didnt", "doesnt", "youre", "thats", "isnt", "ive", "im",
}
