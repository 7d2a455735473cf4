// Package embedpipe turns bursts of raw text into durably cached vector
// embeddings while protecting a slow, metered, occasionally failing embedding
// service.
//
// A job flows through the pipeline as
//
//	submit -> dedup -> rate limit -> batch -> circuit breaker -> embed -> cache -> persist
//
// and is serviced by an auto-scaled worker pool. All cross-process
// coordination (job deduplication, stampede locks, rate windows) goes through
// atomic operations on the shared key-value store, so any number of processes
// can run the same pipeline against one store.
//
// # Basic Usage
//
//	client, err := rueidis.NewClient(rueidis.ClientOption{InitAddress: []string{"localhost:6379"}})
//	if err != nil {
//	    return err
//	}
//	p, err := embedpipe.New(embedpipe.Deps{
//	    Store:     kvstore.NewRedis(client),
//	    Embedder:  embedding.New(embedding.Config{APIKey: key}),
//	    Persister: rows,
//	}, embedpipe.Config{})
//	if err != nil {
//	    return err
//	}
//	if err := p.Start(); err != nil {
//	    return err
//	}
//	defer p.Shutdown(context.Background())
//
//	// Submitting the same id again while the job is pending is a no-op.
//	_, _, err = p.SubmitJob(ctx, "msg:123", embedpipe.EmbedRequest{Text: text, RecordID: "123"},
//	    queue.SubmitOptions{Caller: userID})
//
// # Failure Handling
//
// Store errors never block a job: the cache treats them as misses and the rate
// limiter admits the request. A rate limit rejection or an open circuit
// postpones the job without consuming an attempt. Transient service errors are
// retried with exponential backoff until the job's attempt budget runs out.
// Invalid payloads fail the job immediately.
package embedpipe
