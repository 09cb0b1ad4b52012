package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/stock_sync/channelsync"
	"bitbucket.org/mmdatafocus/stock_sync/utils"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// maxFeedPages stops a feed that never reports its end.
const maxFeedPages = 10000

// errPastEnd marks a page abandoned because an earlier page already ended the feed.
var errPastEnd = errors.New("page is past the end of the feed")

// withFetchRetry runs fn under the per-page timeout, retrying transient upstream errors with backoff.
// Exhausted retries come back as a *utils.PermanentUpstreamError wrapping the last failure.
// It returns the number of retries it spent. A non-nil abandon is consulted before every retry;
// when it reports true the page gives up with errPastEnd and the retry is not spent.
func (e *Engine) withFetchRetry(ctx context.Context, st *runState, op string, fn func(ctx context.Context) error, abandon func(ctx context.Context) bool) (int, error) {
	retries := 0
	for attempt := 1; ; attempt++ {
		pageCtx, cancel := context.WithTimeout(ctx, e.Settings.FetchPageTimeout)
		err := fn(pageCtx)
		cancel()
		if err == nil {
			return retries, nil
		}
		if abandon != nil && abandon(ctx) {
			return retries, errPastEnd
		}
		if ctx.Err() != nil {
			return retries, ctx.Err()
		}

		var transient *utils.TransientUpstreamError
		isTransient := errors.As(err, &transient) || errors.Is(err, context.DeadlineExceeded)
		if !isTransient {
			return retries, err
		}
		if attempt > e.Settings.FetchMaxRetries {
			return retries, &utils.PermanentUpstreamError{
				Kind: utils.UpstreamTransient,
				Op:   op,
				Err:  fmt.Errorf("gave up after %d attempts: %w", attempt, err),
			}
		}

		delay := backoff(attempt, e.Settings.RetryBaseBackoff, e.Settings.RetryMaxBackoff)
		if transient != nil && transient.RetryAfter > delay {
			delay = min(transient.RetryAfter, e.Settings.RetryMaxBackoff)
		}
		retries++
		st.log().WithField("op", op).WithField("attempt", attempt).Warn("transient upstream error, retrying in " + delay.String() + ": " + err.Error())
		if err := e.Clock.Sleep(ctx, delay); err != nil {
			return retries, err
		}
	}
}

// fetchPrimary follows the cursor chain. Pages depend on the previous cursor so this is sequential.
func (e *Engine) fetchPrimary(ctx context.Context, client channelsync.ChannelClient, st *runState) ([]channelsync.RawFeedRecord, time.Time, error) {
	ctx, span := e.tracer().Start(ctx, "syncengine.fetchPrimary")
	defer span.End()

	var out []channelsync.RawFeedRecord
	cursor := ""
	for pages := 0; ; pages++ {
		if pages >= maxFeedPages {
			return nil, time.Time{}, &utils.PermanentUpstreamError{Kind: utils.UpstreamPermanent, Op: "fetchPrimaryStock", Err: errors.New("page limit reached")}
		}
		var page channelsync.PrimaryPage
		retries, err := e.withFetchRetry(ctx, st, "fetchPrimaryStock", func(ctx context.Context) error {
			var err error
			page, err = client.FetchPrimaryStock(ctx, cursor)
			return err
		}, nil)
		st.retries.Add(int32(retries))
		if err != nil {
			span.RecordError(err)
			return nil, time.Time{}, err
		}
		out = append(out, page.Records...)
		if page.NextCursor == "" {
			break
		}
		if page.NextCursor == cursor {
			return nil, time.Time{}, &utils.PermanentUpstreamError{Kind: utils.UpstreamPermanent, Op: "fetchPrimaryStock", Err: fmt.Errorf("cursor %q repeated", cursor)}
		}
		cursor = page.NextCursor
	}
	span.SetAttributes(attribute.Int("records", len(out)))
	return out, e.Clock.Now(), nil
}

// fetchAnalytics pulls pages in waves of FetchConcurrency. The first page reporting no more data ends
// the feed: later pages of that wave are cancelled, never retried, and their retries are not counted.
func (e *Engine) fetchAnalytics(ctx context.Context, client channelsync.ChannelClient, st *runState) ([]channelsync.RawFeedRecord, time.Time, error) {
	ctx, span := e.tracer().Start(ctx, "syncengine.fetchAnalytics", trace.WithAttributes(attribute.Int("concurrency", e.Settings.FetchConcurrency)))
	defer span.End()

	wave := max(e.Settings.FetchConcurrency, 1)
	var out []channelsync.RawFeedRecord
	for first := 1; first <= maxFeedPages; first += wave {
		w := newAnalyticsWave(ctx, wave)
		var g errgroup.Group
		for i := 0; i < wave; i++ {
			g.Go(func() error {
				defer close(w.done[i])
				retries, err := e.withFetchRetry(w.ctxs[i], st, "fetchAnalyticsStock", func(ctx context.Context) error {
					p, err := client.FetchAnalyticsStock(ctx, first+i, e.Settings.FetchPageSize)
					if err != nil {
						return err
					}
					w.pages[i] = p
					return nil
				}, func(ctx context.Context) bool { return w.endedBefore(ctx, i) })
				w.retries[i], w.errs[i] = retries, err
				if err == nil && !w.pages[i].HasMore {
					w.end(i)
				}
				return nil
			})
		}
		_ = g.Wait()
		w.release()
		// Pages past the last one are ignored along with their errors and retries.
		for i, p := range w.pages {
			st.retries.Add(int32(w.retries[i]))
			if w.errs[i] != nil {
				span.RecordError(w.errs[i])
				return nil, time.Time{}, w.errs[i]
			}
			out = append(out, p.Records...)
			if !p.HasMore {
				span.SetAttributes(attribute.Int("records", len(out)))
				return out, e.Clock.Now(), nil
			}
		}
	}
	return nil, time.Time{}, &utils.PermanentUpstreamError{Kind: utils.UpstreamPermanent, Op: "fetchAnalyticsStock", Err: errors.New("page limit reached")}
}

// analyticsWave is the shared state of one wave of concurrent page fetches.
type analyticsWave struct {
	ctxs    []context.Context
	cancels []context.CancelFunc
	done    []chan struct{}
	pages   []channelsync.AnalyticsPage
	errs    []error
	retries []int

	mu      sync.Mutex
	lastIdx int
}

func newAnalyticsWave(ctx context.Context, size int) *analyticsWave {
	w := &analyticsWave{
		ctxs:    make([]context.Context, size),
		cancels: make([]context.CancelFunc, size),
		done:    make([]chan struct{}, size),
		pages:   make([]channelsync.AnalyticsPage, size),
		errs:    make([]error, size),
		retries: make([]int, size),
		lastIdx: size,
	}
	for i := range size {
		w.ctxs[i], w.cancels[i] = context.WithCancel(ctx)
		w.done[i] = make(chan struct{})
	}
	return w
}

// end records page i as the last page and cancels every page after it.
func (w *analyticsWave) end(i int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if i >= w.lastIdx {
		return
	}
	w.lastIdx = i
	for j := i + 1; j < len(w.cancels); j++ {
		w.cancels[j]()
	}
}

// endedBefore waits for every page before i to settle and reports whether one of them ended the feed.
func (w *analyticsWave) endedBefore(ctx context.Context, i int) bool {
	for j := 0; j < i; j++ {
		select {
		case <-w.done[j]:
		case <-ctx.Done():
			return w.ended(i)
		}
	}
	return w.ended(i)
}

func (w *analyticsWave) ended(i int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastIdx < i
}

func (w *analyticsWave) release() {
	for _, cancel := range w.cancels {
		cancel()
	}
}
