// Package session holds the authenticated principal for the lifetime of the
// process and keeps it in a durable record between runs.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	apperrors "github.com/octapulse/fishlens/internal/errors"
	"github.com/octapulse/fishlens/internal/logger"
	"github.com/octapulse/fishlens/internal/observer"
	"github.com/octapulse/fishlens/pkg/models"
)

// State of the session store
type State string

const (
	StateLoading       State = "loading"
	StateAnonymous     State = "anonymous"
	StateAuthenticated State = "authenticated"
)

// ErrSuperseded is returned to a sign-in or restore whose result was
// discarded because a newer attempt or a sign-out happened meanwhile
var ErrSuperseded = errors.New("session attempt superseded")

// Store is the single owner of the current principal and its durable record
type Store struct {
	mu        sync.Mutex
	auth      Authenticator
	records   RecordStore
	tokens    *TokenIssuer
	events    observer.Subject
	state     State
	principal *models.Principal
	// generation changes whenever the session is replaced or cleared
	generation uint64
	// attempt identifies the newest sign-in
	attempt uint64
}

// Option configures a Store
type Option func(*Store)

// WithEvents publishes session events to s
func WithEvents(s observer.Subject) Option {
	return func(st *Store) { st.events = s }
}

// WithTokenVerification rejects restored records whose token does not verify
func WithTokenVerification(tokens *TokenIssuer) Option {
	return func(st *Store) { st.tokens = tokens }
}

// NewStore creates a store in the loading state
func NewStore(auth Authenticator, records RecordStore, opts ...Option) *Store {
	s := &Store{
		auth:    auth,
		records: records,
		state:   StateLoading,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current state
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CurrentPrincipal returns a copy of the signed-in principal, or nil
func (s *Store) CurrentPrincipal() *models.Principal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clonePrincipal(s.principal)
}

// Authenticated reports whether a principal is signed in
func (s *Store) Authenticated() bool {
	return s.State() == StateAuthenticated
}

// SignIn authenticates and persists the principal. On failure the previous
// session, if any, is left untouched.
func (s *Store) SignIn(ctx context.Context, email, secret string) (*models.Principal, error) {
	email = models.NormalizeEmail(email)
	gen, attempt := s.stamp()

	start := time.Now()
	principal, err := s.auth.Authenticate(ctx, email, secret)
	if err != nil {
		observer.Notify(ctx, s.events, observer.Event{
			EventType:    observer.SignInFailed,
			Subject:      email,
			Duration:     time.Since(start),
			ErrorMessage: err.Error(),
		})
		if errors.Is(err, ErrInvalidCredentials) {
			return nil, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, apperrors.NewInternalError("authentication failed", err)
	}
	if err := principal.Validate(); err != nil {
		return nil, apperrors.NewInternalError("authenticator returned an invalid principal", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation || attempt != s.attempt {
		logger.WithField("email", email).Debug("Discarding superseded sign-in")
		return nil, ErrSuperseded
	}

	s.generation++
	s.principal = clonePrincipal(principal)
	s.state = StateAuthenticated
	s.persistLocked()

	observer.Notify(ctx, s.events, observer.Event{
		EventType: observer.SignedIn,
		Subject:   principal.Email,
		Duration:  time.Since(start),
		Success:   true,
		Metadata:  map[string]interface{}{"role": principal.Role},
	})
	return clonePrincipal(principal), nil
}

// RestoreSession loads the durable record. A missing or unreadable record
// leaves the store anonymous; a corrupt one is also deleted. It never fails.
func (s *Store) RestoreSession(ctx context.Context) *models.Principal {
	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.state = StateLoading
	s.mu.Unlock()

	principal := s.readRecord(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		// a sign-in, sign-out or newer restore took over while the record was read
		return clonePrincipal(s.principal)
	}
	s.principal = principal
	if principal == nil {
		s.state = StateAnonymous
		return nil
	}
	s.state = StateAuthenticated
	observer.Notify(ctx, s.events, observer.Event{
		EventType: observer.SessionRestored,
		Subject:   principal.Email,
		Success:   true,
	})
	return clonePrincipal(principal)
}

// SignOut clears memory and the durable record. It is idempotent and wins
// over any sign-in still in flight.
func (s *Store) SignOut(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.generation++
	email := ""
	if s.principal != nil {
		email = s.principal.Email
	}
	s.principal = nil
	s.state = StateAnonymous

	if err := s.records.Delete(); err != nil {
		logger.WithError(err).Warn("Failed to delete session record")
	}
	observer.Notify(ctx, s.events, observer.NewEvent(observer.SignedOut, email, true))
}

// stamp registers a new sign-in attempt. A failed attempt changes nothing
// else, so a restore in flight is not disturbed by a wrong secret.
func (s *Store) stamp() (generation, attempt uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt++
	return s.generation, s.attempt
}

// persistLocked writes the current principal; failures keep the in-memory session
func (s *Store) persistLocked() {
	data, err := json.Marshal(s.principal)
	if err == nil {
		err = s.records.Save(data)
	}
	if err != nil {
		logger.WithFields(logrus.Fields{
			"email": s.principal.Email,
			"error": err.Error(),
		}).Warn("Failed to persist session; it will not survive a restart")
	}
}

func (s *Store) readRecord(ctx context.Context) *models.Principal {
	data, err := s.records.Load()
	if errors.Is(err, ErrNoRecord) {
		return nil
	}
	if err != nil {
		logger.WithError(err).Warn("Failed to read session record, continuing anonymous")
		return nil
	}

	var principal models.Principal
	cause := json.Unmarshal(data, &principal)
	if cause == nil {
		principal.Email = models.NormalizeEmail(principal.Email)
		cause = principal.Validate()
	}
	if cause == nil && s.tokens != nil {
		var claims *Claims
		if claims, cause = s.tokens.Verify(principal.SessionToken); cause == nil && !claims.Matches(&principal) {
			cause = errors.New("session token was issued for another principal")
		}
	}
	if cause == nil {
		return &principal
	}

	if errors.Is(cause, jwt.ErrTokenExpired) {
		logger.WithField("email", principal.Email).Info("Stored session has expired, continuing anonymous")
		if err := s.records.Delete(); err != nil {
			logger.WithError(err).Warn("Failed to delete expired session record")
		}
		observer.Notify(ctx, s.events, observer.NewEvent(observer.SessionExpired, principal.Email, true))
		return nil
	}

	appErr := apperrors.NewCorruptSessionRecordError("discarding unreadable session record", cause)
	logger.WithError(appErr).Warn("Session record is corrupt")
	if err := s.records.Delete(); err != nil {
		logger.WithError(err).Warn("Failed to delete corrupt session record")
	}
	observer.Notify(ctx, s.events, observer.Event{
		EventType:    observer.SessionRecordCorrupt,
		ErrorMessage: cause.Error(),
	})
	return nil
}

func clonePrincipal(p *models.Principal) *models.Principal {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}
