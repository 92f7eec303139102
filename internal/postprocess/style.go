package postprocess

import (
	"regexp"
	"strings"

	"github.com/tomkotik/aimanager/internal/policy"
)

var (
	sentencePattern = regexp.MustCompile(`(?s).*?[.!?]+(?:\s+|$)|.+`)
	markdownBold    = regexp.MustCompile(`\*\*|__`)
	markdownHeader  = regexp.MustCompile(`(?m)^#+\s*`)
	markdownLink    = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	fillerPatterns  = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*(понял|хорошо|отлично|ясно|конечно)[.!]?\s*`),
		regexp.MustCompile(`(?i)^\s*(got it|understood)[.!,]?\s*`),
	}
	spaces = regexp.MustCompile(`\s+`)
)

// splitSentences splits text after sentence-ending punctuation that is
// followed by whitespace or the end of the text, so "1.5 hours" and dotted
// booking ids stay whole.
func splitSentences(text string) []string {
	var out []string
	for _, s := range sentencePattern.FindAllString(text, -1) {
		s = strings.TrimSpace(spaces.ReplaceAllString(s, " "))
		if strings.Trim(s, ".!? ") != "" {
			out = append(out, s)
		}
	}
	return out
}

func joinSentences(ss []string) string {
	return strings.Join(ss, " ")
}

func removeMarkdown(text string) string {
	t := markdownBold.ReplaceAllString(text, "")
	t = markdownHeader.ReplaceAllString(t, "")
	t = strings.ReplaceAll(t, "`", "")
	return markdownLink.ReplaceAllString(t, "$1")
}

func removeFillers(text string) string {
	for _, re := range fillerPatterns {
		text = re.ReplaceAllString(text, "")
	}
	return strings.TrimSpace(text)
}

// limitSentences keeps at most maxSentences sentences and cuts after the
// maxQuestions-th question mark. Negative budgets drop everything.
func limitSentences(ss []string, maxSentences, maxQuestions int) []string {
	var out []string
	questions := 0
	for _, s := range ss {
		if len(out) >= maxSentences {
			break
		}
		q := strings.Count(s, "?")
		if questions+q > maxQuestions {
			break
		}
		questions += q
		out = append(out, s)
	}
	return out
}

// prepare cleans a draft and splits it into sentences.
func prepare(draft string, style policy.Style) []string {
	if style.CleanText {
		draft = removeMarkdown(draft)
	}
	return splitSentences(removeFillers(draft))
}

// fit keeps as much of the body as the style budget allows after the
// mandatory status text is appended. The status text is appended verbatim.
func fit(body []string, suffix string, style policy.Style) string {
	suffix = strings.TrimSpace(suffix)

	sentenceBudget := style.MaxSentences - len(splitSentences(suffix))
	questionBudget := style.MaxQuestions - strings.Count(suffix, "?")
	kept := limitSentences(body, sentenceBudget, questionBudget)

	if suffix != "" {
		kept = append(kept, suffix)
	}
	return strings.TrimSpace(joinSentences(kept))
}
