package pipeline

import (
	"fmt"
	"regexp"
	"strings"
)

// Answer classifications derived from the agent's tag vocabulary.
const (
	AnswerTypeNormal     = "normal"
	AnswerTypeNotGC      = "not-gc"
	AnswerTypePTMuni     = "pt-muni"
	AnswerTypeClarifying = "clarifying-question"
	AnswerTypeError      = "error"
)

const maxSentences = 4

// ParsedAnswer is the structured form of the agent's tagged answer text.
type ParsedAnswer struct {
	AnswerType      string
	Content         string
	Sentences       []string
	CitationURL     *string
	CitationHeading *string
	Confidence      *string
	Department      string
	DepartmentURL   string
	Topic           string
	AnswerLanguage  string
	EnglishAnswer   string
	QuestionLang    string
	EnglishQuestion string
}

var (
	sentenceRe = regexp.MustCompile(`(?s)<s-(\d)>(.*?)</s-\d>`)
	tagRes     = map[string]*regexp.Regexp{}
)

func init() {
	for _, tag := range []string{
		"citation-url", "citation-head", "confidence", "department", "departmentUrl",
		"topic", "answer-language", "english-answer", "question-language", "english-question",
		"not-gc", "pt-muni", "clarifying-question", "answer",
	} {
		tagRes[tag] = regexp.MustCompile(fmt.Sprintf(`(?s)<%s>(.*?)</%s>`, tag, tag))
	}
}

func extractTag(text, tag string) (string, bool) {
	m := tagRes[tag].FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// ParseResponse turns the agent's raw tagged output into a ParsedAnswer.
// It never fails: empty input yields an error-type answer and unknown tags
// are left in place as plain text.
func ParseResponse(raw string) ParsedAnswer {
	text := strings.TrimSpace(raw)
	if text == "" {
		return ParsedAnswer{AnswerType: AnswerTypeError}
	}

	out := ParsedAnswer{AnswerType: AnswerTypeNormal}

	// wrappers classify the answer; metadata tags may sit inside or outside
	// them, so tag extraction always runs against the full text
	body := text
	if inner, ok := extractTag(text, "not-gc"); ok {
		out.AnswerType = AnswerTypeNotGC
		body = inner
	} else if inner, ok := extractTag(text, "pt-muni"); ok {
		out.AnswerType = AnswerTypePTMuni
		body = inner
	} else if inner, ok := extractTag(text, "clarifying-question"); ok {
		out.AnswerType = AnswerTypeClarifying
		body = inner
	}
	if inner, ok := extractTag(body, "answer"); ok {
		body = inner
	}

	for _, m := range sentenceRe.FindAllStringSubmatch(text, -1) {
		if len(out.Sentences) >= maxSentences {
			break
		}
		s := strings.TrimSpace(m[2])
		if s != "" {
			out.Sentences = append(out.Sentences, s)
		}
	}

	if v, ok := extractTag(text, "citation-url"); ok && v != "" {
		out.CitationURL = &v
	}
	if v, ok := extractTag(text, "citation-head"); ok && v != "" {
		out.CitationHeading = &v
	}
	if v, ok := extractTag(text, "confidence"); ok && v != "" {
		out.Confidence = &v
	}
	out.Department, _ = extractTag(text, "department")
	out.DepartmentURL, _ = extractTag(text, "departmentUrl")
	out.Topic, _ = extractTag(text, "topic")
	out.AnswerLanguage, _ = extractTag(text, "answer-language")
	out.EnglishAnswer, _ = extractTag(text, "english-answer")
	out.QuestionLang, _ = extractTag(text, "question-language")
	out.EnglishQuestion, _ = extractTag(text, "english-question")

	if len(out.Sentences) > 0 {
		out.Content = strings.Join(out.Sentences, " ")
	} else {
		out.Content = stripTags(body)
	}
	if strings.TrimSpace(out.Content) == "" && out.AnswerType == AnswerTypeNormal {
		out.AnswerType = AnswerTypeError
	}
	return out
}

// stripTags removes metadata tag blocks, keeping untagged prose.
func stripTags(text string) string {
	cleaned := text
	for tag, re := range tagRes {
		if tag == "answer" {
			continue
		}
		cleaned = re.ReplaceAllString(cleaned, "")
	}
	cleaned = sentenceRe.ReplaceAllString(cleaned, "")
	return strings.TrimSpace(cleaned)
}
