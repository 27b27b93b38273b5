// Package profile fetches and caches remote actor documents. Concurrent
// fetches of the same actor are coalesced into one network request, and a
// cached document that fails during use is invalidated and refetched, so a
// poisoned entry self-heals.
package profile

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/meanengineer/apserver/cache"
	"github.com/meanengineer/apserver/jsonld"
	"github.com/meanengineer/apserver/types"
)

var tracer = otel.Tracer("profile")

const acceptHeader = "application/activity+json"

// DefaultConcurrency bounds simultaneous profile fetches. The cost is
// dominated by I/O wait, so the ceiling is generous.
const DefaultConcurrency = 1000

type FetcherOptions struct {
	// Concurrency overrides DefaultConcurrency when positive.
	Concurrency int
	// HTTPClient overrides http.DefaultClient.
	HTTPClient *http.Client
}

// Fetcher resolves actor URLs to validated Actor documents through an
// injected cache.
type Fetcher struct {
	cache     cache.Cache
	compactor *jsonld.Compactor
	client    *http.Client
	sem       *semaphore.Weighted
	group     singleflight.Group
	userAgent string
}

func NewFetcher(cache cache.Cache, compactor *jsonld.Compactor, userAgent string, opts FetcherOptions) *Fetcher {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	return &Fetcher{
		cache:     cache,
		compactor: compactor,
		client:    client,
		sem:       semaphore.NewWeighted(int64(concurrency)),
		userAgent: userAgent,
	}
}

// ProfileAction receives a resolved actor. Returning an error from an
// action run against a cached profile invalidates the cache entry and
// retries against a fresh fetch.
type ProfileAction func(actor Actor) error

// WithProfile runs action with the actor document at url.
func (f *Fetcher) WithProfile(ctx context.Context, url string, action ProfileAction) error {
	ctx, span := tracer.Start(ctx, "ProfileWithProfile")
	defer span.End()

	if raw, err := f.cache.Get(ctx, url); err == nil {
		actor, err := decodeActor(raw)
		if err == nil {
			if err = action(actor); err == nil {
				return nil
			}
		}
		span.RecordError(err)
		f.cache.Delete(ctx, url)
	}

	actor, err := f.fetch(ctx, url)
	if err != nil {
		span.RecordError(err)
		return err
	}

	return action(actor)
}

// fetch coalesces concurrent requests for the same uncached URL: N
// simultaneous callers trigger exactly one network round-trip.
func (f *Fetcher) fetch(ctx context.Context, url string) (Actor, error) {
	result, err, _ := f.group.Do(url, func() (any, error) {
		actor, err := f.fetchProfile(ctx, url)
		if err != nil {
			f.cache.Delete(ctx, url)
			return Actor{}, err
		}

		if raw, err := json.Marshal(actor); err == nil {
			f.cache.Set(ctx, url, raw)
		}

		return actor, nil
	})
	if err != nil {
		return Actor{}, err
	}
	return result.(Actor), nil
}

func (f *Fetcher) fetchProfile(ctx context.Context, url string) (Actor, error) {
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return Actor{}, err
	}
	defer f.sem.Release(1)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return Actor{}, err
	}
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))

	resp, err := f.client.Do(req)
	if err != nil {
		return Actor{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Actor{}, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Actor{}, errors.Errorf("error fetching profile %s: status %d", url, resp.StatusCode)
	}

	compacted, err := f.compactor.CompactBytes(body)
	if err != nil {
		return Actor{}, err
	}

	return actorFromCompacted(types.RawApObjFromMap(compacted))
}

func decodeActor(raw []byte) (Actor, error) {
	var actor Actor
	if err := json.Unmarshal(raw, &actor); err != nil {
		return Actor{}, err
	}
	if actor.ID == "" || actor.Inbox == "" {
		return Actor{}, errors.New("corrupt cached actor")
	}
	return actor, nil
}
