package ap

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"

	"github.com/meanengineer/apserver/auth"
	"github.com/meanengineer/apserver/inbox"
	"github.com/meanengineer/apserver/jsonld"
	"github.com/meanengineer/apserver/sigverify"
	"github.com/meanengineer/apserver/types"
)

var tracer = otel.Tracer("activitypub")

type Handler struct {
	service   *Service
	verifier  *sigverify.Verifier
	compactor *jsonld.Compactor
}

func NewHandler(service *Service, verifier *sigverify.Verifier, compactor *jsonld.Compactor) Handler {
	return Handler{service, verifier, compactor}
}

func apError(c echo.Context, status int, message string) error {
	return c.JSON(status, map[string]string{"error": message})
}

// parsePage reads the ?page query parameter; absence selects the
// page-less collection summary.
func parsePage(c echo.Context) (*int, error) {
	raw := c.QueryParam("page")
	if raw == "" {
		return nil, nil
	}
	page, err := strconv.Atoi(raw)
	if err != nil || page < 0 {
		return nil, errors.New("invalid page")
	}
	return &page, nil
}

func (h Handler) WebFinger(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "WebFinger")
	defer span.End()

	resource := c.QueryParam("resource")
	result, err := h.service.WebFinger(ctx, resource)
	if err != nil {
		span.RecordError(err)
		return apError(c, http.StatusNotFound, "resource not found")
	}

	c.Response().Header().Set("Content-Type", "application/jrd+json")
	return c.JSON(http.StatusOK, result)
}

func (h Handler) HostMeta(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "HostMeta")
	defer span.End()

	return c.Blob(http.StatusOK, "application/xrd+xml", []byte(h.service.HostMeta(ctx)))
}

// NodeInfo handles nodeinfo requests
func (h Handler) NodeInfo(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "NodeInfo")
	defer span.End()

	result, err := h.service.NodeInfo(ctx)
	if err != nil {
		span.RecordError(err)
		return apError(c, http.StatusInternalServerError, "internal server error")
	}

	return c.JSON(http.StatusOK, result)
}

func (h Handler) NodeInfoWellKnown(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "NodeInfoWellKnown")
	defer span.End()

	result, err := h.service.NodeInfoWellKnown(ctx)
	if err != nil {
		span.RecordError(err)
		return apError(c, http.StatusInternalServerError, "internal server error")
	}

	return c.JSON(http.StatusOK, result)
}

func (h Handler) Instance(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Instance")
	defer span.End()

	return c.JSON(http.StatusOK, h.service.Instance(ctx))
}

// --

func (h Handler) User(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "User")
	defer span.End()

	username := c.Param("user")
	if username == "" {
		return apError(c, http.StatusBadRequest, "invalid username")
	}

	result, err := h.service.User(ctx, username)
	if err != nil {
		span.RecordError(err)
		return apError(c, http.StatusNotFound, "user not found")
	}

	c.Response().Header().Set("Content-Type", "application/activity+json")
	return c.JSON(http.StatusOK, result)
}

func (h Handler) collection(c echo.Context, spanName string, query func(c echo.Context, page *int) (any, error)) error {
	_, span := tracer.Start(c.Request().Context(), spanName)
	defer span.End()

	page, err := parsePage(c)
	if err != nil {
		return apError(c, http.StatusBadRequest, "invalid page")
	}

	result, err := query(c, page)
	if err != nil {
		span.RecordError(err)
		return apError(c, http.StatusNotFound, "not found")
	}

	c.Response().Header().Set("Content-Type", "application/activity+json")
	return c.JSON(http.StatusOK, result)
}

func (h Handler) Followers(c echo.Context) error {
	return h.collection(c, "Followers", func(c echo.Context, page *int) (any, error) {
		return h.service.Followers(c.Request().Context(), c.Param("user"), page)
	})
}

func (h Handler) Following(c echo.Context) error {
	return h.collection(c, "Following", func(c echo.Context, page *int) (any, error) {
		return h.service.Following(c.Request().Context(), c.Param("user"), page)
	})
}

func (h Handler) Outbox(c echo.Context) error {
	return h.collection(c, "Outbox", func(c echo.Context, page *int) (any, error) {
		return h.service.OutboxCollection(c.Request().Context(), c.Param("user"), page)
	})
}

// InboxView is the owner-only read view; the bearer middleware has
// already bound the authenticated user.
func (h Handler) InboxView(c echo.Context) error {
	return h.collection(c, "InboxView", func(c echo.Context, page *int) (any, error) {
		user := c.Get(userContextKey).(types.User)
		return h.service.InboxCollection(c.Request().Context(), user.Username, page)
	})
}

func (h Handler) Object(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Object")
	defer span.End()

	objectURL := h.service.config.UserURL(c.Param("user")) + "/statuses/" + c.Param("id")
	object, err := h.service.Object(ctx, objectURL)
	if err != nil {
		span.RecordError(err)
		return apError(c, http.StatusNotFound, "object not found")
	}
	if !object.IsPublic {
		return apError(c, http.StatusNotFound, "object not found")
	}

	return c.Blob(http.StatusOK, "application/activity+json", []byte(object.JSON))
}

// --

// Inbox receives a federated activity. The request must carry a matching
// body digest and a valid, fresh HTTP signature before the body is
// compacted and handed to the activity handler. Accepted activities
// answer 202: application happens asynchronously from the sender's view.
func (h Handler) Inbox(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "HandlerAPInbox")
	defer span.End()

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		span.RecordError(err)
		return apError(c, http.StatusBadRequest, "unreadable body")
	}

	if err := verifyDigest(c.Request().Header.Get("Digest"), body); err != nil {
		span.RecordError(err)
		return apError(c, http.StatusUnauthorized, "digest mismatch")
	}

	sender, err := h.verifier.Verify(ctx, c.Request())
	if err != nil {
		span.RecordError(err)
		return apError(c, http.StatusUnauthorized, "signature verification failed")
	}
	if sender == nil {
		return apError(c, http.StatusUnauthorized, "signature required")
	}

	compacted, err := h.compactor.CompactBytes(body)
	if err != nil {
		span.RecordError(err)
		return apError(c, http.StatusBadRequest, "malformed activity document")
	}

	err = h.service.Inbox(ctx, c.Param("user"), types.RawApObjFromMap(compacted), sender)
	if errors.Is(err, inbox.ErrUnsupported) {
		span.RecordError(err)
		return apError(c, http.StatusNotImplemented, "unsupported activity")
	}
	if errors.Is(err, inbox.ErrInvalid) {
		span.RecordError(err)
		return apError(c, http.StatusBadRequest, err.Error())
	}
	if err != nil {
		span.RecordError(err)
		return apError(c, http.StatusInternalServerError, "internal server error")
	}

	return c.JSON(http.StatusAccepted, map[string]string{})
}

// verifyDigest checks the SHA-256 body digest the signature covers. A
// signed digest over a different body would otherwise let a replayed
// signature authenticate new content.
func verifyDigest(header string, body []byte) error {
	algo, value, found := strings.Cut(header, "=")
	if !found || !strings.EqualFold(algo, "SHA-256") {
		return errors.New("missing or unsupported digest")
	}

	sum := sha256.Sum256(body)
	expected := base64.StdEncoding.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(expected), []byte(value)) != 1 {
		return errors.New("digest does not match body")
	}
	return nil
}

// PostOutbox publishes an activity for the authenticated owner.
func (h Handler) PostOutbox(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "HandlerAPPostOutbox")
	defer span.End()

	user := c.Get(userContextKey).(types.User)
	if user.Username != c.Param("user") {
		return apError(c, http.StatusForbidden, "not your outbox")
	}

	var activity types.ApObject
	if err := c.Bind(&activity); err != nil {
		span.RecordError(err)
		return apError(c, http.StatusBadRequest, "invalid request body")
	}

	location, err := h.service.PostOutbox(ctx, user, activity)
	if errors.Is(err, inbox.ErrInvalid) {
		span.RecordError(err)
		return apError(c, http.StatusBadRequest, err.Error())
	}
	if err != nil {
		span.RecordError(err)
		return apError(c, http.StatusInternalServerError, "internal server error")
	}

	c.Response().Header().Set("Location", location)
	return c.JSON(http.StatusCreated, map[string]string{"id": location})
}

// --

const userContextKey = "authenticated-user"

// BearerAuth authenticates `Authorization: Bearer <salt>:<secret>` against
// stored credentials and binds the owning user to the request context.
func (h Handler) BearerAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, span := tracer.Start(c.Request().Context(), "BearerAuth")
		defer span.End()

		header := c.Request().Header.Get("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found {
			return apError(c, http.StatusUnauthorized, "bearer token required")
		}

		salt, secret, err := auth.ParseToken(token)
		if err != nil {
			span.RecordError(err)
			return apError(c, http.StatusUnauthorized, "malformed token")
		}

		stored, err := h.service.store.LoadAuthToken(ctx, salt)
		if err != nil {
			span.RecordError(err)
			return apError(c, http.StatusUnauthorized, "unknown token")
		}

		cred := auth.Credential{Salt: stored.Salt, Hash: stored.Hash, Iterations: stored.Iterations}
		if !auth.Verify(secret, cred) {
			return apError(c, http.StatusUnauthorized, "invalid token")
		}

		user, err := h.service.store.LoadUser(ctx, stored.Username)
		if err != nil {
			span.RecordError(err)
			return apError(c, http.StatusUnauthorized, "token user no longer exists")
		}

		c.Set(userContextKey, user)
		return next(c)
	}
}
