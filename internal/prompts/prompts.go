// Package prompts assembles the system prompt from base fragments, splicing
// in per-admin-user overrides when present.
package prompts

import (
	"context"
	"log"
	"strings"
)

// Base fragment names. Override rows key on these.
const (
	FragmentBase       = "base.md"
	FragmentCitation   = "citation.md"
	FragmentLanguage   = "language.md"
	FragmentDepartment = "department.md"
	FragmentFormat     = "format.md"
)

// fragmentOrder fixes the order fragments appear in the assembled prompt.
var fragmentOrder = []string{
	FragmentBase,
	FragmentLanguage,
	FragmentDepartment,
	FragmentCitation,
	FragmentFormat,
}

var baseFragments = map[string]string{
	FragmentBase: `You are an assistant answering questions from visitors to Government of Canada websites.
Answer only questions within federal jurisdiction. If a question concerns a provincial,
territorial or municipal service, wrap your answer in <pt-muni> tags. If it is not a
government matter at all, wrap it in <not-gc> tags. If the question is too vague to
answer, ask one short clarifying question wrapped in <clarifying-question> tags.`,

	FragmentLanguage: `Answer in {{language}}. Include a <question-language> tag with the detected language
of the question and an <english-question> tag with its English translation when the
question is not in English.`,

	FragmentDepartment: `Identify the responsible department and include it in a <department> tag with the
department's home page in a <departmentUrl> tag.`,

	FragmentCitation: `When your answer is based on a specific canada.ca or gc.ca page, cite it in a
<citation-url> tag and rate your confidence in the citation from 0.0 to 1.0 in a
<confidence> tag. Cite at most one URL. Never invent URLs.`,

	FragmentFormat: `Write at most four sentences, each wrapped in numbered sentence tags <s-1> through
<s-4>, all inside an <answer> tag.`,
}

// overridesStore is the subset of the persistence layer the resolver needs.
type overridesStore interface {
	ListActiveOverrides(ctx context.Context, userID string) (map[string]string, error)
}

// Resolver loads active prompt overrides for an admin user.
type Resolver struct {
	store  overridesStore
	logger *log.Logger
}

func NewResolver(store overridesStore) *Resolver {
	return &Resolver{
		store:  store,
		logger: log.New(log.Writer(), "[PROMPTS] ", log.LstdFlags),
	}
}

// Resolve returns the active overrides for an admin user keyed by fragment
// name. An absent id or a query failure yields an empty map; overrides are an
// enhancement, never a hard dependency.
func (r *Resolver) Resolve(ctx context.Context, adminUserID string) map[string]string {
	if adminUserID == "" {
		return map[string]string{}
	}
	overrides, err := r.store.ListActiveOverrides(ctx, adminUserID)
	if err != nil {
		r.logger.Printf("override lookup failed for user %s: %v", adminUserID, err)
		return map[string]string{}
	}
	return overrides
}

// BuildSystemPrompt assembles the system prompt in fragment order, using the
// override content wherever an override key matches a fragment name. Unknown
// override keys are ignored.
func BuildSystemPrompt(language string, overrides map[string]string) string {
	if language == "" {
		language = "English"
	}
	parts := make([]string, 0, len(fragmentOrder))
	for _, name := range fragmentOrder {
		content := baseFragments[name]
		if o, ok := overrides[name]; ok && strings.TrimSpace(o) != "" {
			content = o
		}
		parts = append(parts, strings.TrimSpace(content))
	}
	prompt := strings.Join(parts, "\n\n")
	return strings.ReplaceAll(prompt, "{{language}}", language)
}
