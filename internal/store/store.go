package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

type Store struct {
	DB *sql.DB
}

// Batch statuses persisted for bulk processing runs.
const (
	BatchStatusQueued     = "queued"
	BatchStatusProcessing = "processing"
	BatchStatusCompleted  = "completed"
	BatchStatusCancelled  = "cancelled"
	BatchStatusFailed     = "failed"
)

// Tool usage statuses recorded per invocation.
const (
	ToolStatusStarted   = "started"
	ToolStatusCompleted = "completed"
	ToolStatusError     = "error"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Chat is a conversation thread holding ordered interaction references.
type Chat struct {
	ID             string
	ChatKey        string
	InteractionIDs []string
	CreatedAt      time.Time
}

// QuestionRecord holds the redacted question text and language metadata.
type QuestionRecord struct {
	ID              string
	Redacted        string
	Language        string
	EnglishQuestion string
}

// CitationRecord holds agent-proposed and verified citation URLs.
// URL fields stay null when the agent produced no citation.
type CitationRecord struct {
	ID          string
	ProvidedURL *string
	VerifiedURL *string
	Heading     *string
	Confidence  *string
}

// AnswerRecord holds the parsed answer content and model metadata.
type AnswerRecord struct {
	ID           string
	Content      string
	Sentences    []string
	AnswerType   string
	Model        string
	InputTokens  int64
	OutputTokens int64
	CitationID   string
}

// ContextRecord holds topic/department metadata derived for one turn.
type ContextRecord struct {
	ID             string
	Topic          string
	Department     string
	DepartmentURL  string
	SearchProvider string
}

// ToolUsageRecord is one tool invocation captured during a turn.
type ToolUsageRecord struct {
	ID         string
	Name       string
	Input      string
	Output     string
	Status     string
	Error      string
	StartedAt  time.Time
	EndedAt    *time.Time
	DurationMS int64
}

// Interaction is one user turn. Immutable after creation except for the
// asynchronously attached embedding/evaluation references.
type Interaction struct {
	ID             string
	ChatID         *string
	BatchItemID    *string
	Question       QuestionRecord
	Answer         AnswerRecord
	Citation       CitationRecord
	Context        ContextRecord
	Tools          []ToolUsageRecord
	ResponseTimeMS int64
	ReferringURL   string
	EmbeddingID    *string
	EvaluationID   *string
	CreatedAt      time.Time
}

// TurnRecord is everything the pipeline persists for one completed turn.
type TurnRecord struct {
	Question       QuestionRecord
	Answer         AnswerRecord
	Citation       CitationRecord
	Context        ContextRecord
	Tools          []ToolUsageRecord
	ResponseTimeMS int64
	ReferringURL   string
}

// InteractionOrigin ties a new interaction to exactly one chat or one batch item.
type InteractionOrigin struct {
	ChatKey     string
	BatchItemID string
}

func (o InteractionOrigin) validate() error {
	if (o.ChatKey == "") == (o.BatchItemID == "") {
		return fmt.Errorf("interaction origin must name exactly one of chat key or batch item")
	}
	return nil
}

// BatchItem is one queued source row of a bulk job.
type BatchItem struct {
	ID       string
	BatchID  string
	Position int
	Question string
	Language string
	ChatID   string
	Source   json.RawMessage
}

// BatchRun is a bulk job with its durable checkpoint.
type BatchRun struct {
	ID                 string
	OwnerID            string
	Name               string
	Status             string
	TotalItems         int
	ProcessedItems     int
	FailedItems        int
	LastProcessedIndex int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// PromptOverride is a per-admin-user content override for one prompt fragment.
type PromptOverride struct {
	UserID    string
	Filename  string
	Content   string
	Active    bool
	UpdatedAt time.Time
}

func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// Chat operations

// FindChatByKey loads a chat thread and its ordered interaction ids by its
// external conversation key. A missing chat is not an error.
func (s *Store) FindChatByKey(ctx context.Context, chatKey string) (Chat, bool, error) {
	var c Chat
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, chat_key, created_at FROM chats WHERE chat_key=$1`, chatKey).
		Scan(&c.ID, &c.ChatKey, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Chat{}, false, nil
	}
	if err != nil {
		return Chat{}, false, err
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id FROM interactions WHERE chat_id=$1 ORDER BY chat_position ASC`, c.ID)
	if err != nil {
		return Chat{}, false, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return Chat{}, false, err
		}
		c.InteractionIDs = append(c.InteractionIDs, id)
	}
	return c, true, rows.Err()
}

// FindChatByID loads a chat thread by its internal id.
func (s *Store) FindChatByID(ctx context.Context, id string) (Chat, bool, error) {
	var c Chat
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, chat_key, created_at FROM chats WHERE id=$1`, id).
		Scan(&c.ID, &c.ChatKey, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Chat{}, false, nil
	}
	if err != nil {
		return Chat{}, false, err
	}
	return c, true, nil
}

// ChatTurn is a (user, assistant) pair reconstructed for history assembly.
type ChatTurn struct {
	Question string
	Answer   string
}

// ListChatTurns returns the redacted question and answer content of every
// interaction in a chat, in conversation order.
func (s *Store) ListChatTurns(ctx context.Context, chatID string) ([]ChatTurn, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT q.redacted, a.content
FROM interactions i
JOIN questions q ON q.id = i.question_id
JOIN answers a ON a.id = i.answer_id
WHERE i.chat_id=$1
ORDER BY i.chat_position ASC`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ChatTurn
	for rows.Next() {
		var t ChatTurn
		if err := rows.Scan(&t.Question, &t.Answer); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Interaction operations

// PersistInteraction writes the question, context, citation, answer, tool rows
// and the interaction itself in one transaction, appending the interaction to
// its chat (creating the chat on first turn) or linking it to a batch item.
func (s *Store) PersistInteraction(ctx context.Context, rec TurnRecord, origin InteractionOrigin) (Interaction, error) {
	if err := origin.validate(); err != nil {
		return Interaction{}, err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Interaction{}, err
	}
	defer tx.Rollback()

	questionID := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO questions (id, redacted, language, english_question)
VALUES ($1,$2,$3,$4)`,
		questionID, rec.Question.Redacted, rec.Question.Language, rec.Question.EnglishQuestion); err != nil {
		return Interaction{}, fmt.Errorf("insert question: %w", err)
	}

	contextID := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO contexts (id, topic, department, department_url, search_provider)
VALUES ($1,$2,$3,$4,$5)`,
		contextID, rec.Context.Topic, rec.Context.Department, rec.Context.DepartmentURL, rec.Context.SearchProvider); err != nil {
		return Interaction{}, fmt.Errorf("insert context: %w", err)
	}

	citationID := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO citations (id, provided_url, verified_url, heading, confidence)
VALUES ($1,$2,$3,$4,$5)`,
		citationID, rec.Citation.ProvidedURL, rec.Citation.VerifiedURL, rec.Citation.Heading, rec.Citation.Confidence); err != nil {
		return Interaction{}, fmt.Errorf("insert citation: %w", err)
	}

	answerID := uuid.NewString()
	sentences, err := json.Marshal(rec.Answer.Sentences)
	if err != nil {
		return Interaction{}, fmt.Errorf("marshal sentences: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO answers (id, content, sentences, answer_type, model, input_tokens, output_tokens, citation_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		answerID, rec.Answer.Content, sentences, rec.Answer.AnswerType, rec.Answer.Model,
		rec.Answer.InputTokens, rec.Answer.OutputTokens, citationID); err != nil {
		return Interaction{}, fmt.Errorf("insert answer: %w", err)
	}

	for _, tool := range rec.Tools {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO tool_usage (id, answer_id, name, input, output, status, error, started_at, ended_at, duration_ms)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			tool.ID, answerID, tool.Name, tool.Input, tool.Output, tool.Status, tool.Error,
			tool.StartedAt, tool.EndedAt, tool.DurationMS); err != nil {
			return Interaction{}, fmt.Errorf("insert tool usage: %w", err)
		}
	}

	var chatID, batchItemID *string
	position := 0
	if origin.ChatKey != "" {
		id, pos, err := appendToChat(ctx, tx, origin.ChatKey)
		if err != nil {
			return Interaction{}, err
		}
		chatID = &id
		position = pos
	} else {
		batchItemID = &origin.BatchItemID
	}

	interactionID := uuid.NewString()
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO interactions (id, chat_id, batch_item_id, chat_position, question_id, answer_id, context_id, response_time_ms, referring_url, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		interactionID, chatID, batchItemID, position, questionID, answerID, contextID,
		rec.ResponseTimeMS, rec.ReferringURL, now); err != nil {
		return Interaction{}, fmt.Errorf("insert interaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Interaction{}, err
	}

	out := Interaction{
		ID:             interactionID,
		ChatID:         chatID,
		BatchItemID:    batchItemID,
		Question:       rec.Question,
		Answer:         rec.Answer,
		Citation:       rec.Citation,
		Context:        rec.Context,
		Tools:          rec.Tools,
		ResponseTimeMS: rec.ResponseTimeMS,
		ReferringURL:   rec.ReferringURL,
		CreatedAt:      now,
	}
	out.Question.ID = questionID
	out.Answer.ID = answerID
	out.Answer.CitationID = citationID
	out.Citation.ID = citationID
	out.Context.ID = contextID
	return out, nil
}

// appendToChat resolves (or lazily creates) the chat row for a conversation
// key and claims the next position in the thread.
func appendToChat(ctx context.Context, tx *sql.Tx, chatKey string) (string, int, error) {
	var chatID string
	err := tx.QueryRowContext(ctx, `SELECT id FROM chats WHERE chat_key=$1`, chatKey).Scan(&chatID)
	if errors.Is(err, sql.ErrNoRows) {
		chatID = uuid.NewString()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chats (id, chat_key, created_at) VALUES ($1,$2,NOW())`, chatID, chatKey); err != nil {
			return "", 0, fmt.Errorf("create chat: %w", err)
		}
		return chatID, 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	var position int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(chat_position)+1, 0) FROM interactions WHERE chat_id=$1`, chatID).Scan(&position); err != nil {
		return "", 0, err
	}
	return chatID, position, nil
}

// FindInteractionByID reads a full interaction back including its owned
// question, answer, citation and context records.
func (s *Store) FindInteractionByID(ctx context.Context, id string) (Interaction, bool, error) {
	var (
		it        Interaction
		sentences []byte
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT i.id, i.chat_id, i.batch_item_id, i.response_time_ms, i.referring_url, i.embedding_id, i.evaluation_id, i.created_at,
       q.id, q.redacted, q.language, q.english_question,
       a.id, a.content, a.sentences, a.answer_type, a.model, a.input_tokens, a.output_tokens, a.citation_id,
       c.id, c.provided_url, c.verified_url, c.heading, c.confidence,
       x.id, x.topic, x.department, x.department_url, x.search_provider
FROM interactions i
JOIN questions q ON q.id = i.question_id
JOIN answers a ON a.id = i.answer_id
JOIN citations c ON c.id = a.citation_id
JOIN contexts x ON x.id = i.context_id
WHERE i.id=$1`, id).Scan(
		&it.ID, &it.ChatID, &it.BatchItemID, &it.ResponseTimeMS, &it.ReferringURL, &it.EmbeddingID, &it.EvaluationID, &it.CreatedAt,
		&it.Question.ID, &it.Question.Redacted, &it.Question.Language, &it.Question.EnglishQuestion,
		&it.Answer.ID, &it.Answer.Content, &sentences, &it.Answer.AnswerType, &it.Answer.Model, &it.Answer.InputTokens, &it.Answer.OutputTokens, &it.Answer.CitationID,
		&it.Citation.ID, &it.Citation.ProvidedURL, &it.Citation.VerifiedURL, &it.Citation.Heading, &it.Citation.Confidence,
		&it.Context.ID, &it.Context.Topic, &it.Context.Department, &it.Context.DepartmentURL, &it.Context.SearchProvider)
	if errors.Is(err, sql.ErrNoRows) {
		return Interaction{}, false, nil
	}
	if err != nil {
		return Interaction{}, false, err
	}
	if len(sentences) > 0 {
		if err := json.Unmarshal(sentences, &it.Answer.Sentences); err != nil {
			return Interaction{}, false, fmt.Errorf("decode sentences: %w", err)
		}
	}
	return it, true, nil
}

// AttachEmbedding records the asynchronously created embedding reference.
func (s *Store) AttachEmbedding(ctx context.Context, interactionID, embeddingID string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE interactions SET embedding_id=$2 WHERE id=$1`, interactionID, embeddingID)
	return err
}

// AttachEvaluation records the asynchronously created evaluation reference.
func (s *Store) AttachEvaluation(ctx context.Context, interactionID, evaluationID string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE interactions SET evaluation_id=$2 WHERE id=$1`, interactionID, evaluationID)
	return err
}

// SaveEmbedding stores an answer embedding vector produced by a background task.
func (s *Store) SaveEmbedding(ctx context.Context, interactionID string, vector []float32) (string, error) {
	id := uuid.NewString()
	raw, err := json.Marshal(vector)
	if err != nil {
		return "", err
	}
	if _, err := s.DB.ExecContext(ctx,
		`INSERT INTO embeddings (id, interaction_id, vector, created_at) VALUES ($1,$2,$3,NOW())`,
		id, interactionID, raw); err != nil {
		return "", err
	}
	return id, nil
}

// SaveEvaluation stores a background evaluation score for an answer.
func (s *Store) SaveEvaluation(ctx context.Context, interactionID string, score float64, notes string) (string, error) {
	id := uuid.NewString()
	if _, err := s.DB.ExecContext(ctx,
		`INSERT INTO evaluations (id, interaction_id, score, notes, created_at) VALUES ($1,$2,$3,$4,NOW())`,
		id, interactionID, score, notes); err != nil {
		return "", err
	}
	return id, nil
}

// Batch operations

// CreateBatchRun inserts a queued batch with its ordered items, creating one
// chat per item.
func (s *Store) CreateBatchRun(ctx context.Context, ownerID, name string, items []BatchItem) (string, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	batchID := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO batch_runs (id, owner_id, name, status, total_items, processed_items, failed_items, last_processed_index, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,0,0,0,NOW(),NOW())`,
		batchID, ownerID, name, BatchStatusQueued, len(items)); err != nil {
		return "", fmt.Errorf("insert batch run: %w", err)
	}
	for i, item := range items {
		chatID := uuid.NewString()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chats (id, chat_key, created_at) VALUES ($1,$2,NOW())`,
			chatID, fmt.Sprintf("batch:%s:%d", batchID, i)); err != nil {
			return "", fmt.Errorf("create item chat: %w", err)
		}
		source := item.Source
		if source == nil {
			source = json.RawMessage(`{}`)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO batch_items (id, batch_id, position, question, language, chat_id, source)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			uuid.NewString(), batchID, i, item.Question, item.Language, chatID, []byte(source)); err != nil {
			return "", fmt.Errorf("insert batch item: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return batchID, nil
}

// FindBatchRunByID loads a batch run without its items.
func (s *Store) FindBatchRunByID(ctx context.Context, id string) (BatchRun, bool, error) {
	var b BatchRun
	err := s.DB.QueryRowContext(ctx, `
SELECT id, owner_id, name, status, total_items, processed_items, failed_items, last_processed_index, created_at, updated_at
FROM batch_runs WHERE id=$1`, id).Scan(
		&b.ID, &b.OwnerID, &b.Name, &b.Status, &b.TotalItems, &b.ProcessedItems, &b.FailedItems,
		&b.LastProcessedIndex, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return BatchRun{}, false, nil
	}
	if err != nil {
		return BatchRun{}, false, err
	}
	return b, true, nil
}

// ListBatchItems returns the ordered item list for a batch.
func (s *Store) ListBatchItems(ctx context.Context, batchID string) ([]BatchItem, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, batch_id, position, question, language, chat_id, source
FROM batch_items WHERE batch_id=$1 ORDER BY position ASC`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BatchItem
	for rows.Next() {
		var it BatchItem
		var source []byte
		if err := rows.Scan(&it.ID, &it.BatchID, &it.Position, &it.Question, &it.Language, &it.ChatID, &source); err != nil {
			return nil, err
		}
		it.Source = json.RawMessage(source)
		out = append(out, it)
	}
	return out, rows.Err()
}

// SetBatchStatus transitions a batch run to a new status.
func (s *Store) SetBatchStatus(ctx context.Context, id, status string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE batch_runs SET status=$2, updated_at=NOW() WHERE id=$1`, id, status)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateBatchCheckpoint persists the counters and the resumption index.
// This is the only durable state needed to resume after a restart.
func (s *Store) UpdateBatchCheckpoint(ctx context.Context, id string, lastProcessedIndex, processed, failed int) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE batch_runs SET last_processed_index=$2, processed_items=$3, failed_items=$4, updated_at=NOW()
WHERE id=$1`, id, lastProcessedIndex, processed, failed)
	return err
}

// ListBatchRunsByStatus returns batches in the given status, oldest first.
func (s *Store) ListBatchRunsByStatus(ctx context.Context, status string) ([]BatchRun, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, owner_id, name, status, total_items, processed_items, failed_items, last_processed_index, created_at, updated_at
FROM batch_runs WHERE status=$1 ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BatchRun
	for rows.Next() {
		var b BatchRun
		if err := rows.Scan(&b.ID, &b.OwnerID, &b.Name, &b.Status, &b.TotalItems, &b.ProcessedItems,
			&b.FailedItems, &b.LastProcessedIndex, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Prompt override operations

// ListActiveOverrides returns the active overrides for an admin user keyed by
// prompt fragment filename. An empty user id yields an empty map.
func (s *Store) ListActiveOverrides(ctx context.Context, userID string) (map[string]string, error) {
	out := map[string]string{}
	if userID == "" {
		return out, nil
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT filename, content FROM prompt_overrides WHERE user_id=$1 AND active=TRUE`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var filename, content string
		if err := rows.Scan(&filename, &content); err != nil {
			return nil, err
		}
		out[filename] = content
	}
	return out, rows.Err()
}

// UpsertPromptOverride creates or replaces the override for (user, filename).
func (s *Store) UpsertPromptOverride(ctx context.Context, o PromptOverride) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO prompt_overrides (user_id, filename, content, active, updated_at)
VALUES ($1,$2,$3,$4,NOW())
ON CONFLICT (user_id, filename) DO UPDATE SET
  content = EXCLUDED.content,
  active = EXCLUDED.active,
  updated_at = NOW()`,
		o.UserID, o.Filename, o.Content, o.Active)
	return err
}
