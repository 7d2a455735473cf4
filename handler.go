package embedpipe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/dcbickfo/embedpipe/batch"
	"github.com/dcbickfo/embedpipe/breaker"
	"github.com/dcbickfo/embedpipe/postgres"
	"github.com/dcbickfo/embedpipe/queue"
)

var (
	// ErrInvalidRequest is wrapped by validation failures. Jobs failing
	// validation are not retried.
	ErrInvalidRequest = errors.New("embedpipe: invalid request")

	// ErrRateLimited is the cause recorded on jobs postponed by the rate
	// limiter.
	ErrRateLimited = errors.New("embedpipe: rate limited")
)

// EmbedRequest is the payload of an embedding job.
type EmbedRequest struct {
	Text string `json:"text"`
	// RecordID identifies the row the vector is persisted to. Empty means the
	// vector is only cached.
	RecordID string `json:"record_id,omitempty"`
}

func (r EmbedRequest) encode() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("embedpipe: encode request: %w", err)
	}
	return b, nil
}

func (p *Pipeline) validate(r EmbedRequest) error {
	switch {
	case r.Text == "":
		return fmt.Errorf("%w: empty text", ErrInvalidRequest)
	case len(r.Text) > p.cfg.MaxTextBytes:
		return fmt.Errorf("%w: text is %d bytes, limit %d", ErrInvalidRequest, len(r.Text), p.cfg.MaxTextBytes)
	case !utf8.ValidString(r.Text):
		return fmt.Errorf("%w: text is not valid UTF-8", ErrInvalidRequest)
	}
	return nil
}

// EmbedResult is stored on a completed job.
type EmbedResult struct {
	Hash       string       `json:"hash"`
	Source     batch.Source `json:"source"`
	Dimensions int          `json:"dimensions"`
	// DuplicateOf is set when the vector of a near-identical text was reused.
	DuplicateOf string `json:"duplicate_of,omitempty"`
	Persisted   bool   `json:"persisted"`
}

// handle processes one embedding job. Every error it returns is classified
// for the queue: validation problems are permanent, rate limit and open
// circuit rejections are postponed, and everything else is retried with
// backoff.
func (p *Pipeline) handle(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
	var req EmbedRequest
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return nil, queue.Permanent(fmt.Errorf("%w: %v", ErrInvalidRequest, err))
	}
	if err := p.validate(req); err != nil {
		return nil, queue.Permanent(err)
	}

	caller := or(job.Caller, p.cfg.DefaultCaller)
	decision, err := p.limiter.CheckLimit(ctx, caller, p.cfg.Operation)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, queue.Postpone(ErrRateLimited, retryDelay(decision.RetryAfter))
	}

	res, err := p.acc.Submit(ctx, req.Text)
	if err != nil {
		return nil, p.classify(err)
	}

	out := EmbedResult{
		Hash:        res.Hash,
		Source:      res.Source,
		Dimensions:  len(res.Vector),
		DuplicateOf: res.DuplicateOf,
	}
	if p.persister != nil && req.RecordID != "" {
		// The record is only updated once the vector is in the shared cache.
		if res.WriteErr != nil {
			return nil, fmt.Errorf("embedpipe: cache vector before persisting: %w", res.WriteErr)
		}
		if err := p.persister.SaveEmbedding(ctx, req.RecordID, res.Vector); err != nil {
			if errors.Is(err, postgres.ErrNotFound) {
				return nil, queue.Permanent(err)
			}
			return nil, err
		}
		out.Persisted = true
	}
	p.logger.Debug("embedding job done", "job_id", job.ID, "attempt", job.Attempts, "source", res.Source, "hash", res.Hash)

	b, err := json.Marshal(out)
	if err != nil {
		return nil, queue.Permanent(err)
	}
	return b, nil
}

// classify maps a batch error to a queue outcome.
func (p *Pipeline) classify(err error) error {
	if wait, ok := breaker.RetryAfter(err); ok {
		return queue.Postpone(err, retryDelay(wait))
	}
	if errors.Is(err, batch.ErrEmptyText) {
		return queue.Permanent(err)
	}
	var t interface{ Temporary() bool }
	if errors.As(err, &t) && !t.Temporary() {
		return queue.Permanent(err)
	}
	return err
}
