package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/govanswers/govanswers/internal/store"
)

const backgroundTimeout = 60 * time.Second

// launchBackground fires embedding creation and answer evaluation after a
// turn persists. Each task is supervised on its own: a panic or error is
// logged and never surfaces to the caller.
func (o *Orchestrator) launchBackground(interaction store.Interaction) {
	go o.supervised("embedding", func(ctx context.Context) error {
		return o.createEmbedding(ctx, interaction)
	})
	go o.supervised("evaluation", func(ctx context.Context) error {
		return o.evaluateAnswer(ctx, interaction)
	})
}

func (o *Orchestrator) supervised(name string, task func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Printf("background %s panicked: %v", name, r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
	defer cancel()
	if err := task(ctx); err != nil {
		o.logger.Printf("background %s failed: %v", name, err)
	}
}

func (o *Orchestrator) createEmbedding(ctx context.Context, interaction store.Interaction) error {
	if o.embedder == nil || strings.TrimSpace(interaction.Answer.Content) == "" {
		return nil
	}
	vecs, err := o.embedder.Embed(ctx, []string{interaction.Answer.Content})
	if err != nil {
		return err
	}
	if len(vecs) == 0 {
		return nil
	}
	id, err := o.store.SaveEmbedding(ctx, interaction.ID, vecs[0])
	if err != nil {
		return err
	}
	return o.store.AttachEmbedding(ctx, interaction.ID, id)
}

// evaluateAnswer scores the answer on cheap structural signals. The score is
// advisory and consumed by offline review tooling.
func (o *Orchestrator) evaluateAnswer(ctx context.Context, interaction store.Interaction) error {
	score := 0.3
	var notes []string

	if n := len(interaction.Answer.Sentences); n > 0 {
		score += 0.1 * float64(n)
		if n > maxSentences {
			notes = append(notes, "sentence count over limit")
		}
	} else {
		notes = append(notes, "no tagged sentences")
	}
	if interaction.Citation.VerifiedURL != nil {
		score += 0.3
	} else if interaction.Citation.ProvidedURL != nil {
		notes = append(notes, "citation did not verify")
	}
	if interaction.Answer.AnswerType == AnswerTypeError {
		score = 0.0
		notes = append(notes, "error-type answer")
	}
	if score > 1.0 {
		score = 1.0
	}

	id, err := o.store.SaveEvaluation(ctx, interaction.ID, score, strings.Join(notes, "; "))
	if err != nil {
		return err
	}
	return o.store.AttachEvaluation(ctx, interaction.ID, id)
}
