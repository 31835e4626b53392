package billing

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vnmchuo/chatstream/internal/provider"
)

const writeTimeout = 5 * time.Second

// Recorder is an interceptor that writes one UsageLog per completed request.
// Writes happen in the background; Wait blocks until they have finished.
type Recorder struct {
	store  Store
	logger *zap.Logger

	started sync.Map // request ID -> time.Time
	wg      sync.WaitGroup
}

func NewRecorder(store Store, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: store, logger: logger.Named("billing")}
}

func (r *Recorder) InterceptRequest(_ context.Context, req *provider.Request) (*provider.Request, error) {
	r.started.Store(req.ID, time.Now())
	return req, nil
}

func (r *Recorder) elapsed(id string) int64 {
	v, ok := r.started.LoadAndDelete(id)
	if !ok {
		return 0
	}
	return time.Since(v.(time.Time)).Milliseconds()
}

func (r *Recorder) OnResponse(_ context.Context, req *provider.Request, resp *provider.Response) *provider.Response {
	latency := r.elapsed(req.ID)
	if resp.Latency > 0 {
		latency = resp.Latency.Milliseconds()
	}
	log := &UsageLog{
		RequestID: req.ID,
		Provider:  req.Provider,
		Model:     req.Model,
		CostUSD:   resp.Cost,
		LatencyMs: latency,
	}
	if resp.Usage != nil {
		log.PromptTokens = resp.Usage.PromptTokens
		log.CompletionTokens = resp.Usage.CompletionTokens
		log.Incomplete = resp.Usage.Incomplete
	}
	r.write(log)
	return resp
}

func (r *Recorder) OnStream(_ context.Context, req *provider.Request, c provider.Chunk) provider.Chunk {
	switch c.Type {
	case provider.ChunkDone:
		log := &UsageLog{
			RequestID:  req.ID,
			Provider:   req.Provider,
			Model:      req.Model,
			CostUSD:    c.Cost,
			LatencyMs:  r.elapsed(req.ID),
			Stream:     true,
			Incomplete: c.Incomplete,
		}
		if c.Usage != nil {
			log.PromptTokens = c.Usage.PromptTokens
			log.CompletionTokens = c.Usage.CompletionTokens
		}
		r.write(log)
	case provider.ChunkCancelled:
		r.started.Delete(req.ID)
	}
	return c
}

func (r *Recorder) OnError(_ context.Context, req *provider.Request, _ error) (*provider.Response, bool) {
	r.started.Delete(req.ID)
	return nil, false
}

func (r *Recorder) write(log *UsageLog) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := r.store.LogUsage(ctx, log); err != nil {
			r.logger.Error("failed to record usage", zap.Error(err), zap.String("request_id", log.RequestID))
		}
	}()
}

// Wait blocks until every pending write has finished.
func (r *Recorder) Wait() {
	r.wg.Wait()
}
