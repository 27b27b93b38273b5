// Package outbox is the delivery engine: it resolves activity addressing
// into destination inboxes, persists one job per inbox, and retries each
// job with backoff until success or attempt exhaustion.
package outbox

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"

	"github.com/meanengineer/apserver/cache"
	"github.com/meanengineer/apserver/profile"
	"github.com/meanengineer/apserver/types"
)

var tracer = otel.Tracer("outbox")

const (
	// MaxAttempts caps deliveries per job. A job whose counter passes it
	// is dropped; unreachable peers are a lossy-delivery policy, not an
	// error.
	MaxAttempts = 10

	// ResolveConcurrency bounds outstanding inbox resolutions during
	// fan-out so a wide delivery cannot overwhelm remote servers.
	ResolveConcurrency = 100

	activityStreamsURL = "https://www.w3.org/ns/activitystreams"
)

// publicCollection matches the spellings of the public marker that survive
// various compaction setups.
var publicCollection = map[string]bool{
	activityStreamsURL + "#Public": true,
	"as:Public":                   true,
	"Public":                      true,
}

// errAbandoned marks a terminal but non-retried outcome, e.g. the sending
// user was deleted mid-retry.
var errAbandoned = errors.New("job abandoned")

// Store is the persistence surface the delivery engine needs.
type Store interface {
	LoadUser(ctx context.Context, username string) (types.User, error)
	LoadKey(ctx context.Context, user types.User) (*rsa.PrivateKey, error)
	GetFollowers(ctx context.Context, ownerURL string) ([]string, error)
	SaveOutboxJob(ctx context.Context, job types.OutboxJob) error
	GetOutboxJobs(ctx context.Context) ([]types.OutboxJob, error)
	IncrementAndGetAttempts(ctx context.Context, jobID string) (int, error)
	DeleteOutboxJob(ctx context.Context, jobID string) error
}

type Options struct {
	// HTTPClient overrides http.DefaultClient.
	HTTPClient *http.Client
	// Backoff overrides IncrementalBackoff. Tests shrink it.
	Backoff func(attempts int) time.Duration
}

// Outbox delivers local activities to remote and local inboxes.
type Outbox struct {
	store      Store
	fetcher    *profile.Fetcher
	inboxCache cache.Cache
	config     types.ApConfig
	client     *http.Client
	userAgent  string
	backoff    func(attempts int) time.Duration

	resolveSem *semaphore.Weighted
	deliverSem *semaphore.Weighted

	baseCtx context.Context
	wg      sync.WaitGroup
}

func NewOutbox(
	store Store,
	fetcher *profile.Fetcher,
	inboxCache cache.Cache,
	config types.ApConfig,
	userAgent string,
	opts Options,
) *Outbox {
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	backoff := opts.Backoff
	if backoff == nil {
		backoff = IncrementalBackoff
	}

	o := &Outbox{
		store:      store,
		fetcher:    fetcher,
		inboxCache: inboxCache,
		config:     config,
		client:     client,
		userAgent:  userAgent,
		backoff:    backoff,
		resolveSem: semaphore.NewWeighted(ResolveConcurrency),
		baseCtx:    context.Background(),
	}
	if config.DeliveryConcurrency > 0 {
		o.deliverSem = semaphore.NewWeighted(int64(config.DeliveryConcurrency))
	}
	return o
}

// Start scopes job goroutines to ctx and resumes every persisted job.
// Jobs survive process restarts; this is the sole retry mechanism.
func (o *Outbox) Start(ctx context.Context) error {
	o.baseCtx = ctx

	jobs, err := o.store.GetOutboxJobs(ctx)
	if err != nil {
		return errors.Wrap(err, "loading persisted outbox jobs")
	}

	for _, job := range jobs {
		o.spawn(job)
	}

	if len(jobs) > 0 {
		log.Printf("outbox: resumed %d persisted jobs", len(jobs))
	}
	return nil
}

// Wait blocks until all in-flight job loops observe cancellation or
// finish. Used on shutdown.
func (o *Outbox) Wait() {
	o.wg.Wait()
}

// AcceptFollow wraps an inbound Follow into an Accept and enqueues exactly
// one delivery to the follower's inbox. A follow actor must be a single
// actor, so collection expansion is refused here; failure to resolve the
// inbox propagates to the caller.
func (o *Outbox) AcceptFollow(ctx context.Context, user types.User, follow types.ApObject) error {
	ctx, span := tracer.Start(ctx, "OutboxAcceptFollow")
	defer span.End()

	userURL := o.config.UserURL(user.Username)
	accept := types.ApObject{
		Context: activityStreamsURL,
		ID:      o.config.BaseURL() + "/" + uuid.NewString(),
		Type:    "Accept",
		Actor:   userURL,
		Object:  follow,
	}

	inboxes, err := o.getInboxes(ctx, follow.Actor, false)
	if err != nil {
		span.RecordError(err)
		return errors.Wrapf(err, "resolving inbox for %s", follow.Actor)
	}
	if len(inboxes) == 0 {
		return errors.Errorf("no inbox for %s", follow.Actor)
	}

	return o.enqueue(ctx, user, inboxes[0], accept)
}

// SendActivity fans an activity out to every addressed inbox. bto and bcc
// drive resolution but are stripped from the payload put on the wire.
// Unresolvable targets are skipped, not fatal.
func (o *Outbox) SendActivity(ctx context.Context, user types.User, activity types.ApObject) error {
	ctx, span := tracer.Start(ctx, "OutboxSendActivity")
	defer span.End()

	targets := collectTargets(activity)

	// blind fields must never be transmitted, top-level or nested
	activity.Bto = nil
	activity.Bcc = nil
	activity.Object = stripBlindFields(activity.Object)

	inboxes := o.resolveAll(ctx, targets)

	for _, inbox := range inboxes {
		if err := o.enqueue(ctx, user, inbox, activity); err != nil {
			span.RecordError(err)
			return err
		}
	}
	return nil
}

// SendObject wraps a bare object into a Create activity with local ids
// and sends it. Returns the stamped object.
func (o *Outbox) SendObject(ctx context.Context, user types.User, object types.ApObject) (types.ApObject, error) {
	ctx, span := tracer.Start(ctx, "OutboxSendObject")
	defer span.End()

	userURL := o.config.UserURL(user.Username)

	object.ID = userURL + "/statuses/" + uuid.NewString()
	object.AttributedTo = userURL
	if object.Published == "" {
		object.Published = time.Now().UTC().Format(time.RFC3339)
	}

	// addressing moves up to the Create; the wrapped object keeps the
	// visible fields only so blind recipients never ride inside it
	create := types.ApObject{
		Context:  activityStreamsURL,
		ID:       object.ID + "/activity",
		Type:     "Create",
		Actor:    userURL,
		To:       object.To,
		CC:       object.CC,
		Bto:      object.Bto,
		Bcc:      object.Bcc,
		Audience: object.Audience,
	}
	object.Bto = nil
	object.Bcc = nil
	create.Object = object

	if err := o.SendActivity(ctx, user, create); err != nil {
		return types.ApObject{}, err
	}
	return object, nil
}

// stripBlindFields drops bto and bcc from a nested object, covering both
// locally wrapped objects and client-posted activities whose object is a
// raw map. Anything else passes through untouched.
func stripBlindFields(object any) any {
	switch inner := object.(type) {
	case types.ApObject:
		inner.Bto = nil
		inner.Bcc = nil
		return inner
	case map[string]any:
		cleaned := make(map[string]any, len(inner))
		for key, value := range inner {
			if key == "bto" || key == "bcc" {
				continue
			}
			cleaned[key] = value
		}
		return cleaned
	}
	return object
}

// collectTargets flattens to/cc/bto/bcc into a deduplicated target list,
// dropping the public collection marker which is not deliverable.
func collectTargets(activity types.ApObject) []string {
	seen := make(map[string]bool)
	var targets []string
	for _, field := range []any{activity.To, activity.CC, activity.Bto, activity.Bcc} {
		for _, target := range types.AsList(field) {
			if target == "" || publicCollection[target] || seen[target] {
				continue
			}
			seen[target] = true
			targets = append(targets, target)
		}
	}
	return targets
}

// resolveAll resolves targets to inbox URLs concurrently under the
// resolution ceiling and deduplicates the result. Resolution failures
// downgrade to "no inboxes for this target".
func (o *Outbox) resolveAll(ctx context.Context, targets []string) []string {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		seen    = make(map[string]bool)
		inboxes []string
	)

	for _, target := range targets {
		if err := o.resolveSem.Acquire(ctx, 1); err != nil {
			break
		}

		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			defer o.resolveSem.Release(1)

			resolved, err := o.getInboxes(ctx, target, true)
			if err != nil {
				log.Printf("outbox: skipping unresolvable target %s: %v", target, err)
				return
			}

			mu.Lock()
			defer mu.Unlock()
			for _, inbox := range resolved {
				if !seen[inbox] {
					seen[inbox] = true
					inboxes = append(inboxes, inbox)
				}
			}
		}(target)
	}

	wg.Wait()
	return inboxes
}

// getInboxes resolves one target to its destination inboxes. Local user
// URLs resolve without network I/O; a local followers collection expands
// to every follower's inbox, but only when expand is set, since accepting
// a follow must never silently fan out.
func (o *Outbox) getInboxes(ctx context.Context, target string, expand bool) ([]string, error) {
	usersPrefix := o.config.BaseURL() + "/users/"

	if rest, ok := strings.CutPrefix(target, usersPrefix); ok {
		if name, ok := strings.CutSuffix(rest, "/followers"); ok && !strings.Contains(name, "/") {
			if !expand {
				return nil, errors.New("refusing to expand a followers collection")
			}
			return o.expandFollowers(ctx, name)
		}

		if !strings.Contains(rest, "/") {
			if _, err := o.store.LoadUser(ctx, rest); err != nil {
				return nil, errors.Wrapf(err, "unknown local user %s", rest)
			}
			return []string{target + "/inbox"}, nil
		}
	}

	return o.resolveRemote(ctx, target)
}

func (o *Outbox) expandFollowers(ctx context.Context, username string) ([]string, error) {
	followers, err := o.store.GetFollowers(ctx, o.config.UserURL(username))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var inboxes []string
	for _, follower := range followers {
		resolved, err := o.getInboxes(ctx, follower, false)
		if err != nil {
			log.Printf("outbox: skipping unresolvable follower %s: %v", follower, err)
			continue
		}
		for _, inbox := range resolved {
			if !seen[inbox] {
				seen[inbox] = true
				inboxes = append(inboxes, inbox)
			}
		}
	}
	return inboxes, nil
}

func (o *Outbox) resolveRemote(ctx context.Context, target string) ([]string, error) {
	if raw, err := o.inboxCache.Get(ctx, target); err == nil {
		var inboxes []string
		if err := json.Unmarshal(raw, &inboxes); err == nil {
			return inboxes, nil
		}
		o.inboxCache.Delete(ctx, target)
	}

	var inboxes []string
	err := o.fetcher.WithProfile(ctx, target, func(actor profile.Actor) error {
		inboxes = []string{actor.BestInbox()}
		return nil
	})
	if err != nil {
		o.inboxCache.Delete(ctx, target)
		return nil, err
	}

	if raw, err := json.Marshal(inboxes); err == nil {
		o.inboxCache.Set(ctx, target, raw)
	}
	return inboxes, nil
}

// enqueue persists one delivery job and starts its retry loop, detached
// from the triggering request.
func (o *Outbox) enqueue(ctx context.Context, user types.User, inbox string, activity types.ApObject) error {
	if activity.Context == nil {
		activity.Context = activityStreamsURL
	}

	payload, err := json.Marshal(activity)
	if err != nil {
		return errors.Wrap(err, "serializing activity")
	}

	job := types.OutboxJob{
		ID:        uuid.NewString(),
		Actor:     user.Username,
		InboxURL:  inbox,
		Payload:   string(payload),
		CreatedAt: time.Now(),
	}

	if err := o.store.SaveOutboxJob(ctx, job); err != nil {
		return errors.Wrap(err, "persisting outbox job")
	}

	o.spawn(job)
	return nil
}

func (o *Outbox) spawn(job types.OutboxJob) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.process(o.baseCtx, job)
	}()
}

// process is the durable retry loop. The attempt counter is incremented
// transactionally before each try, so a crash mid-delivery cannot reset
// it and retry forever. It terminates only on success, exhaustion,
// abandonment, or process shutdown.
func (o *Outbox) process(ctx context.Context, job types.OutboxJob) {
	if o.deliverSem != nil {
		if err := o.deliverSem.Acquire(ctx, 1); err != nil {
			return
		}
		defer o.deliverSem.Release(1)
	}

	for {
		attempts, err := o.store.IncrementAndGetAttempts(ctx, job.ID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// another worker already finished or dropped this job
			return
		}
		if err != nil {
			log.Printf("outbox: job %s: incrementing attempts: %v", job.ID, err)
			return
		}

		if attempts > MaxAttempts {
			log.Printf("outbox: job %s: dropping after %d attempts (%s)", job.ID, attempts-1, job.InboxURL)
			o.deleteJob(ctx, job)
			return
		}

		err = o.runJob(ctx, job)
		if err == nil {
			o.deleteJob(ctx, job)
			return
		}
		if errors.Is(err, errAbandoned) {
			log.Printf("outbox: job %s: abandoned: %v", job.ID, err)
			o.deleteJob(ctx, job)
			return
		}

		delay := o.backoff(attempts)
		log.Printf("outbox: job %s: attempt %d failed, retrying in %v: %v", job.ID, attempts, delay, err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// runJob performs one delivery attempt. The sender's key is loaded fresh
// each time so key rotation mid-retry is honored.
func (o *Outbox) runJob(ctx context.Context, job types.OutboxJob) error {
	user, err := o.store.LoadUser(ctx, job.Actor)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrapf(errAbandoned, "user %s no longer exists", job.Actor)
	}
	if err != nil {
		return err
	}

	priv, err := o.store.LoadKey(ctx, user)
	if err != nil {
		return err
	}

	keyID := o.config.UserURL(user.Username) + "#main-key"
	return o.postToInbox(ctx, job.InboxURL, []byte(job.Payload), keyID, priv)
}

func (o *Outbox) deleteJob(ctx context.Context, job types.OutboxJob) {
	if err := o.store.DeleteOutboxJob(ctx, job.ID); err != nil {
		log.Printf("outbox: job %s: deleting: %v", job.ID, err)
	}
}
