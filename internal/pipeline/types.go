// Package pipeline runs one user turn end to end: history assembly, prompt
// construction, agent invocation, response parsing, citation verification,
// persistence and post-processing.
package pipeline

// Message is one entry of the conversation passed to the agent.
type Message struct {
	Role    string // system, user or assistant
	Content string
}

// TurnRequest is everything needed to process one user turn.
type TurnRequest struct {
	ConversationID string
	UserMessage    string
	Language       string
	ModelProvider  string
	SearchProvider string
	ReferringURL   string
	RequestID      string
	UserID         string
	OverrideUserID string

	// BatchItemID replaces the conversation chat append when the turn runs
	// under the batch scheduler.
	BatchItemID string
	BatchChatID string
}

// TurnResult is the synchronous response returned to the caller.
type TurnResult struct {
	RequestID     string
	InteractionID string
	Answer        ParsedAnswer
	Model         string
	InputTokens   int64
	OutputTokens  int64
}
