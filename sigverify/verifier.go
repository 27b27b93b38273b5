// Package sigverify validates HTTP Signature headers on inbound requests.
package sigverify

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"regexp"
	"time"

	"github.com/pkg/errors"
	"github.com/totegamma/httpsig"
	"go.opentelemetry.io/otel"

	"github.com/meanengineer/apserver/cache"
	"github.com/meanengineer/apserver/profile"
	"github.com/meanengineer/apserver/types"
)

var tracer = otel.Tracer("sigverify")

// Requests older than MaxAge plus clock skew are rejected regardless of
// signature validity, bounding replay exposure.
const (
	MaxAge = 12 * time.Hour
	Skew   = time.Hour
)

var (
	keyIDPattern     = regexp.MustCompile(`keyId="([^"]*)#([^"]*)"`)
	algorithmPattern = regexp.MustCompile(`algorithm="([^"]*)"`)
)

// SenderKey identifies the verified signer of a request.
type SenderKey struct {
	Owner string
	ID    string
}

// FullID is the verbatim keyId of the signature header.
func (k SenderKey) FullID() string {
	return k.Owner + "#" + k.ID
}

// Verifier checks inbound signatures against keys published by the
// signing actor, resolved through the profile fetcher and memoized in an
// injected cache.
type Verifier struct {
	fetcher  *profile.Fetcher
	keyCache cache.Cache

	// test seam
	now func() time.Time
}

func NewVerifier(fetcher *profile.Fetcher, keyCache cache.Cache) *Verifier {
	return &Verifier{
		fetcher:  fetcher,
		keyCache: keyCache,
		now:      time.Now,
	}
}

// Verify validates the request's Signature header. A request without one
// returns (nil, nil); callers decide whether anonymous requests are
// acceptable for the route.
func (v *Verifier) Verify(ctx context.Context, req *http.Request) (*SenderKey, error) {
	ctx, span := tracer.Start(ctx, "SigVerify")
	defer span.End()

	signatureHeader := req.Header.Get("Signature")
	if signatureHeader == "" {
		return nil, nil
	}

	keyMatch := keyIDPattern.FindStringSubmatch(signatureHeader)
	if keyMatch == nil {
		return nil, errors.New("missing or invalid keyId")
	}
	algorithmMatch := algorithmPattern.FindStringSubmatch(signatureHeader)
	if algorithmMatch == nil {
		return nil, errors.New("missing or invalid algorithm")
	}
	if algorithmMatch[1] != "rsa-sha256" {
		return nil, errors.Errorf("unsupported signature algorithm %q", algorithmMatch[1])
	}

	sender := SenderKey{Owner: keyMatch[1], ID: keyMatch[2]}

	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return nil, errors.Wrap(err, "parsing signature header")
	}

	publicKey, err := v.getPublicKey(ctx, sender)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if err := verifier.Verify(publicKey, httpsig.RSA_SHA256); err != nil {
		// the signer may have rotated keys; drop the memoized one so the
		// next request refetches
		v.keyCache.Delete(ctx, sender.FullID())
		return nil, errors.Wrap(err, "invalid signature")
	}

	if err := v.checkFreshness(req); err != nil {
		return nil, err
	}

	return &sender, nil
}

func (v *Verifier) checkFreshness(req *http.Request) error {
	dateHeader := req.Header.Get("Date")
	if dateHeader == "" {
		return nil
	}

	date, err := http.ParseTime(dateHeader)
	if err != nil {
		return errors.Wrap(err, "invalid date header")
	}

	if v.now().Sub(date) > MaxAge+Skew {
		return errors.New("request is too old")
	}
	return nil
}

func (v *Verifier) getPublicKey(ctx context.Context, sender SenderKey) (*rsa.PublicKey, error) {
	fullID := sender.FullID()

	if raw, err := v.keyCache.Get(ctx, fullID); err == nil {
		if key, err := parsePublicKey(string(raw)); err == nil {
			return key, nil
		}
		v.keyCache.Delete(ctx, fullID)
	}

	var matched types.Key
	err := v.fetcher.WithProfile(ctx, sender.Owner, func(actor profile.Actor) error {
		key, ok := actor.FindKey(fullID, sender.Owner)
		if !ok {
			return errors.New("remote does not have desired public key")
		}
		matched = key
		return nil
	})
	if err != nil {
		return nil, err
	}

	key, err := parsePublicKey(matched.PublicKeyPem)
	if err != nil {
		return nil, err
	}

	v.keyCache.Set(ctx, fullID, []byte(matched.PublicKeyPem))
	return key, nil
}

func parsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, errors.New("missing public key PEM")
	}

	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "parsing public key")
	}

	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return key, nil
}
