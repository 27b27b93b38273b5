package outbox

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/meanengineer/apserver/cache"
	"github.com/meanengineer/apserver/jsonld"
	"github.com/meanengineer/apserver/profile"
	"github.com/meanengineer/apserver/types"
)

var testKey *rsa.PrivateKey

func init() {
	var err error
	testKey, err = rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
}

type fakeStore struct {
	mu         sync.Mutex
	users      map[string]types.User
	followers  map[string][]string
	jobs       map[string]types.OutboxJob
	saved      []types.OutboxJob
	increments map[string]int
	deleted    chan string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:      make(map[string]types.User),
		followers:  make(map[string][]string),
		jobs:       make(map[string]types.OutboxJob),
		increments: make(map[string]int),
		deleted:    make(chan string, 16),
	}
}

func (s *fakeStore) LoadUser(_ context.Context, username string) (types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[username]
	if !ok {
		return types.User{}, gorm.ErrRecordNotFound
	}
	return user, nil
}

func (s *fakeStore) LoadKey(_ context.Context, _ types.User) (*rsa.PrivateKey, error) {
	return testKey, nil
}

func (s *fakeStore) GetFollowers(_ context.Context, ownerURL string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.followers[ownerURL], nil
}

func (s *fakeStore) SaveOutboxJob(_ context.Context, job types.OutboxJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	s.saved = append(s.saved, job)
	return nil
}

func (s *fakeStore) GetOutboxJobs(_ context.Context) ([]types.OutboxJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []types.OutboxJob
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *fakeStore) IncrementAndGetAttempts(_ context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return 0, gorm.ErrRecordNotFound
	}
	s.increments[jobID]++
	return s.increments[jobID], nil
}

func (s *fakeStore) DeleteOutboxJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	delete(s.jobs, jobID)
	s.mu.Unlock()
	s.deleted <- jobID
	return nil
}

func (s *fakeStore) savedJobs() []types.OutboxJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.OutboxJob(nil), s.saved...)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func respond(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

const remoteActorDoc = `{
	"@context": "https://www.w3.org/ns/activitystreams",
	"id": "https://remote.example/users/bob",
	"type": "Person",
	"inbox": "https://remote.example/users/bob/inbox",
	"endpoints": {"sharedInbox": "https://remote.example/inbox"}
}`

// testTransport serves the remote actor document and accepts any delivery.
func testTransport() roundTripFunc {
	return func(req *http.Request) (*http.Response, error) {
		if req.Method == "GET" && req.URL.String() == "https://remote.example/users/bob" {
			return respond(200, remoteActorDoc), nil
		}
		if req.Method == "POST" {
			return respond(202, ""), nil
		}
		return respond(404, "not found"), nil
	}
}

func newTestOutbox(t *testing.T, store *fakeStore, transport roundTripFunc) *Outbox {
	t.Helper()

	compactor, err := jsonld.NewCompactor()
	require.NoError(t, err)

	client := &http.Client{Transport: transport}
	fetcher := profile.NewFetcher(cache.NewMemory(64, time.Minute), compactor, "test", profile.FetcherOptions{
		HTTPClient: client,
	})

	config := types.ApConfig{FQDN: "host.example"}
	o := NewOutbox(store, fetcher, cache.NewMemory(64, time.Minute), config, "test", Options{
		HTTPClient: client,
		Backoff:    func(int) time.Duration { return time.Millisecond },
	})
	require.NoError(t, o.Start(context.Background()))
	return o
}

func waitDeleted(t *testing.T, store *fakeStore, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-store.deleted:
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for job completion")
		}
	}
}

func TestSendActivityDeduplicatesInboxes(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.users["carol"] = types.User{Username: "carol"}
	store.users["alice"] = types.User{Username: "alice"}
	store.users["bob"] = types.User{Username: "bob"}

	o := newTestOutbox(t, store, testTransport())

	alice := "https://host.example/users/alice"
	bob := "https://host.example/users/bob"
	err := o.SendActivity(context.Background(), store.users["carol"], types.ApObject{
		Type:  "Create",
		Actor: "https://host.example/users/carol",
		To:    []string{alice, bob},
		CC:    []string{alice},
	})
	require.NoError(t, err)

	jobs := store.savedJobs()
	require.Len(t, jobs, 2)

	inboxes := map[string]bool{}
	for _, job := range jobs {
		inboxes[job.InboxURL] = true
	}
	require.True(t, inboxes[alice+"/inbox"])
	require.True(t, inboxes[bob+"/inbox"])

	waitDeleted(t, store, 2)
}

func TestSendActivityStripsBlindFields(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.users["carol"] = types.User{Username: "carol"}
	store.users["alice"] = types.User{Username: "alice"}

	o := newTestOutbox(t, store, testTransport())

	err := o.SendActivity(context.Background(), store.users["carol"], types.ApObject{
		Type:  "Create",
		Actor: "https://host.example/users/carol",
		Bto:   []string{"https://host.example/users/alice"},
		Bcc:   []string{"https://remote.example/users/bob"},
	})
	require.NoError(t, err)

	jobs := store.savedJobs()
	require.Len(t, jobs, 2)
	for _, job := range jobs {
		var payload map[string]any
		require.NoError(t, json.Unmarshal([]byte(job.Payload), &payload))
		require.NotContains(t, payload, "bto")
		require.NotContains(t, payload, "bcc")
	}

	waitDeleted(t, store, 2)
}

func TestSendObjectStripsNestedBlindFields(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.users["carol"] = types.User{Username: "carol"}
	store.users["alice"] = types.User{Username: "alice"}

	o := newTestOutbox(t, store, testTransport())

	object, err := o.SendObject(context.Background(), store.users["carol"], types.ApObject{
		Type:    "Note",
		Content: "psst",
		Bto:     []string{"https://host.example/users/alice"},
		Bcc:     []string{"https://remote.example/users/bob"},
	})
	require.NoError(t, err)
	require.Nil(t, object.Bto)
	require.Nil(t, object.Bcc)

	jobs := store.savedJobs()
	require.Len(t, jobs, 2, "blind recipients still receive the delivery")
	for _, job := range jobs {
		var payload map[string]any
		require.NoError(t, json.Unmarshal([]byte(job.Payload), &payload))
		require.NotContains(t, payload, "bto")
		require.NotContains(t, payload, "bcc")

		nested, ok := payload["object"].(map[string]any)
		require.True(t, ok)
		require.NotContains(t, nested, "bto")
		require.NotContains(t, nested, "bcc")
	}

	waitDeleted(t, store, 2)
}

func TestSendActivityStripsMapObjectBlindFields(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.users["carol"] = types.User{Username: "carol"}
	store.users["alice"] = types.User{Username: "alice"}

	o := newTestOutbox(t, store, testTransport())

	err := o.SendActivity(context.Background(), store.users["carol"], types.ApObject{
		Type:  "Create",
		Actor: "https://host.example/users/carol",
		To:    []string{"https://host.example/users/alice"},
		Object: map[string]any{
			"type":    "Note",
			"content": "psst",
			"bto":     []string{"https://host.example/users/alice"},
			"bcc":     []string{"https://remote.example/users/bob"},
		},
	})
	require.NoError(t, err)

	jobs := store.savedJobs()
	require.Len(t, jobs, 1)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(jobs[0].Payload), &payload))
	nested, ok := payload["object"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "psst", nested["content"])
	require.NotContains(t, nested, "bto")
	require.NotContains(t, nested, "bcc")

	waitDeleted(t, store, 1)
}

func TestSendActivitySkipsPublicMarker(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.users["carol"] = types.User{Username: "carol"}
	store.users["alice"] = types.User{Username: "alice"}

	o := newTestOutbox(t, store, testTransport())

	err := o.SendActivity(context.Background(), store.users["carol"], types.ApObject{
		Type:  "Create",
		Actor: "https://host.example/users/carol",
		To:    []string{"https://www.w3.org/ns/activitystreams#Public", "https://host.example/users/alice"},
	})
	require.NoError(t, err)

	jobs := store.savedJobs()
	require.Len(t, jobs, 1)
	require.Equal(t, "https://host.example/users/alice/inbox", jobs[0].InboxURL)

	waitDeleted(t, store, 1)
}

func TestFollowersCollectionExpansion(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.users["alice"] = types.User{Username: "alice"}
	store.users["bob"] = types.User{Username: "bob"}
	store.followers["https://host.example/users/alice"] = []string{
		"https://host.example/users/bob",
		"https://remote.example/users/bob",
	}

	o := newTestOutbox(t, store, testTransport())

	err := o.SendActivity(context.Background(), store.users["alice"], types.ApObject{
		Type:  "Create",
		Actor: "https://host.example/users/alice",
		To:    []string{"https://host.example/users/alice/followers"},
	})
	require.NoError(t, err)

	jobs := store.savedJobs()
	require.Len(t, jobs, 2)

	inboxes := map[string]bool{}
	for _, job := range jobs {
		inboxes[job.InboxURL] = true
	}
	require.True(t, inboxes["https://host.example/users/bob/inbox"])
	require.True(t, inboxes["https://remote.example/inbox"], "shared inbox must be preferred")

	waitDeleted(t, store, 2)
}

func TestAcceptFollowEnqueuesExactlyOneJob(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.users["alice"] = types.User{Username: "alice"}

	o := newTestOutbox(t, store, testTransport())

	follow := types.ApObject{
		ID:     "https://remote.example/follows/1",
		Type:   "Follow",
		Actor:  "https://remote.example/users/bob",
		Object: "https://host.example/users/alice",
	}
	err := o.AcceptFollow(context.Background(), store.users["alice"], follow)
	require.NoError(t, err)

	jobs := store.savedJobs()
	require.Len(t, jobs, 1)
	require.Equal(t, "https://remote.example/inbox", jobs[0].InboxURL)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(jobs[0].Payload), &payload))
	require.Equal(t, "Accept", payload["type"])

	waitDeleted(t, store, 1)
}

func TestAcceptFollowRefusesCollectionActor(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.users["alice"] = types.User{Username: "alice"}
	store.users["bob"] = types.User{Username: "bob"}
	store.followers["https://host.example/users/bob"] = []string{"https://host.example/users/alice"}

	o := newTestOutbox(t, store, testTransport())

	follow := types.ApObject{
		Type:   "Follow",
		Actor:  "https://host.example/users/bob/followers",
		Object: "https://host.example/users/alice",
	}
	err := o.AcceptFollow(context.Background(), store.users["alice"], follow)
	require.Error(t, err)
	require.Empty(t, store.savedJobs())
}

func TestAcceptFollowPropagatesResolutionFailure(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.users["alice"] = types.User{Username: "alice"}

	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})
	o := newTestOutbox(t, store, transport)

	follow := types.ApObject{
		Type:   "Follow",
		Actor:  "https://unreachable.example/users/bob",
		Object: "https://host.example/users/alice",
	}
	err := o.AcceptFollow(context.Background(), store.users["alice"], follow)
	require.Error(t, err)
	require.Empty(t, store.savedJobs())
}

func TestJobDeletedAfterAttemptExhaustion(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.users["alice"] = types.User{Username: "alice"}
	store.jobs["job-1"] = types.OutboxJob{
		ID:       "job-1",
		Actor:    "alice",
		InboxURL: "https://remote.example/users/bob/inbox",
		Payload:  `{"type":"Create"}`,
	}

	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return respond(500, "nope"), nil
	})
	o := newTestOutbox(t, store, transport)
	_ = o

	waitDeleted(t, store, 1)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Equal(t, MaxAttempts+1, store.increments["job-1"])
	require.Empty(t, store.jobs)
}

func TestVanishedJobNotRedelivered(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.users["alice"] = types.User{Username: "alice"}

	var posts atomic.Int64
	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.Method == "POST" {
			posts.Add(1)
		}
		return respond(202, ""), nil
	})
	o := newTestOutbox(t, store, transport)

	// the job row is already gone, as if another worker finished it
	o.spawn(types.OutboxJob{
		ID:       "job-1",
		Actor:    "alice",
		InboxURL: "https://remote.example/users/bob/inbox",
		Payload:  `{"type":"Create"}`,
	})
	o.Wait()

	require.Zero(t, posts.Load(), "a finished job must not be delivered again")
	store.mu.Lock()
	defer store.mu.Unlock()
	require.Zero(t, store.increments["job-1"])
	require.Empty(t, store.deleted)
}

func TestJobAbandonedWhenUserDeleted(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.jobs["job-1"] = types.OutboxJob{
		ID:       "job-1",
		Actor:    "ghost",
		InboxURL: "https://remote.example/users/bob/inbox",
		Payload:  `{"type":"Create"}`,
	}

	o := newTestOutbox(t, store, testTransport())
	_ = o

	waitDeleted(t, store, 1)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Equal(t, 1, store.increments["job-1"], "abandoned jobs are not retried")
}

func TestDeliverySignatureHeaders(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.users["alice"] = types.User{Username: "alice"}
	store.users["bob"] = types.User{Username: "bob"}

	var mu sync.Mutex
	var delivered *http.Request
	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.Method == "POST" {
			mu.Lock()
			delivered = req.Clone(context.Background())
			mu.Unlock()
		}
		return respond(202, ""), nil
	})
	o := newTestOutbox(t, store, transport)

	err := o.SendActivity(context.Background(), store.users["alice"], types.ApObject{
		Type:  "Create",
		Actor: "https://host.example/users/alice",
		To:    []string{"https://host.example/users/bob"},
	})
	require.NoError(t, err)
	waitDeleted(t, store, 1)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, delivered)
	require.Equal(t, "application/activity+json", delivered.Header.Get("Content-Type"))
	require.NotEmpty(t, delivered.Header.Get("Date"))
	require.NotEmpty(t, delivered.Header.Get("Digest"))

	signature := delivered.Header.Get("Signature")
	require.Contains(t, signature, `keyId="https://host.example/users/alice#main-key"`)
	require.Contains(t, signature, `algorithm="rsa-sha256"`)
}
