package pipeline

import (
	"strings"
	"testing"
)

func TestParseNormalAnswer(t *testing.T) {
	t.Parallel()
	raw := `<answer>
<s-1>You can renew your passport online.</s-1>
<s-2>Processing takes about 20 business days.</s-2>
</answer>
<citation-url>https://www.canada.ca/en/services/passports.html</citation-url>
<citation-head>Passport services</citation-head>
<confidence>0.9</confidence>
<department>IRCC</department>
<answer-language>en</answer-language>`

	p := ParseResponse(raw)
	if p.AnswerType != AnswerTypeNormal {
		t.Fatalf("answer type: got %s", p.AnswerType)
	}
	if len(p.Sentences) != 2 {
		t.Fatalf("sentences: got %d, want 2", len(p.Sentences))
	}
	if p.Sentences[0] != "You can renew your passport online." {
		t.Fatalf("sentence 1: %q", p.Sentences[0])
	}
	if p.CitationURL == nil || *p.CitationURL != "https://www.canada.ca/en/services/passports.html" {
		t.Fatalf("citation url: %v", p.CitationURL)
	}
	if p.CitationHeading == nil || *p.CitationHeading != "Passport services" {
		t.Fatalf("citation heading: %v", p.CitationHeading)
	}
	if p.Confidence == nil || *p.Confidence != "0.9" {
		t.Fatalf("confidence: %v", p.Confidence)
	}
	if p.Department != "IRCC" || p.AnswerLanguage != "en" {
		t.Fatalf("metadata: dept=%q lang=%q", p.Department, p.AnswerLanguage)
	}
	if !strings.Contains(p.Content, "renew your passport") {
		t.Fatalf("content: %q", p.Content)
	}
}

func TestParseEmptyInputIsErrorType(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "   ", "\n\t"} {
		p := ParseResponse(raw)
		if p.AnswerType != AnswerTypeError {
			t.Fatalf("input %q: got type %s, want error", raw, p.AnswerType)
		}
		if p.CitationURL != nil {
			t.Fatalf("input %q: expected nil citation", raw)
		}
	}
}

func TestParseWrapperTypes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw  string
		want string
	}{
		{"<not-gc><s-1>That service is provided by your bank.</s-1></not-gc>", AnswerTypeNotGC},
		{"<pt-muni><s-1>Driver licensing is provincial.</s-1></pt-muni>", AnswerTypePTMuni},
		{"<clarifying-question><s-1>Which province do you live in?</s-1></clarifying-question>", AnswerTypeClarifying},
	}
	for _, c := range cases {
		p := ParseResponse(c.raw)
		if p.AnswerType != c.want {
			t.Fatalf("%q: got type %s, want %s", c.raw, p.AnswerType, c.want)
		}
		if len(p.Sentences) != 1 {
			t.Fatalf("%q: expected wrapped sentence extracted, got %v", c.raw, p.Sentences)
		}
	}
}

func TestParseCapsSentencesAtFour(t *testing.T) {
	t.Parallel()
	raw := "<s-1>a</s-1><s-2>b</s-2><s-3>c</s-3><s-4>d</s-4><s-5>e</s-5>"
	p := ParseResponse(raw)
	if len(p.Sentences) != 4 {
		t.Fatalf("got %d sentences, want 4", len(p.Sentences))
	}
}

func TestParseNoCitation(t *testing.T) {
	t.Parallel()
	p := ParseResponse("<s-1>General information only.</s-1><citation-url></citation-url>")
	if p.CitationURL != nil {
		t.Fatalf("empty citation tag must yield nil url, got %v", *p.CitationURL)
	}
}

func TestParseUntaggedProse(t *testing.T) {
	t.Parallel()
	p := ParseResponse("Plain answer with no tags at all.")
	if p.AnswerType != AnswerTypeNormal {
		t.Fatalf("type: %s", p.AnswerType)
	}
	if p.Content != "Plain answer with no tags at all." {
		t.Fatalf("content: %q", p.Content)
	}
	if len(p.Sentences) != 0 {
		t.Fatalf("sentences: %v", p.Sentences)
	}
}
