package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/octapulse/fishlens/internal/errors"
	"github.com/octapulse/fishlens/pkg/models"
)

// ErrInvalidCredentials is returned for an unknown email or a wrong secret.
// The two cases are indistinguishable to callers.
var ErrInvalidCredentials = apperrors.NewInvalidCredentialsError("invalid email or secret", nil)

// Authenticator turns a credential pair into a principal
type Authenticator interface {
	Authenticate(ctx context.Context, email, secret string) (*models.Principal, error)
}

// Demo accounts seeded by DemoCredentials
const (
	DemoAdminEmail   = "admin@octapulse.com"
	DemoAdminSecret  = "admin123"
	DemoMemberEmail  = "member@octapulse.com"
	DemoMemberSecret = "member123"
)

// DemoOrganization is the organization every demo account belongs to
var DemoOrganization = models.Organization{
	ID:            stableID("org", "octapulse"),
	Name:          "OctaPulse",
	Seats:         10,
	ActiveMembers: 7,
}

type credential struct {
	principal models.Principal
	hash      []byte
}

// CredentialTable is an in-memory Authenticator backed by bcrypt hashes
type CredentialTable struct {
	mu        sync.RWMutex
	records   map[string]credential
	tokens    *TokenIssuer
	cost      int
	dummyHash []byte
}

// NewCredentialTable creates an empty table. Issued principals carry a
// session token when tokens is not nil.
func NewCredentialTable(tokens *TokenIssuer, cost int) (*CredentialTable, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	// compared against on a miss so unknown emails cost the same as wrong secrets
	dummy, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), cost)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare credential table: %w", err)
	}
	return &CredentialTable{
		records:   make(map[string]credential),
		tokens:    tokens,
		cost:      cost,
		dummyHash: dummy,
	}, nil
}

// DemoCredentials returns a table with the OctaPulse demo accounts
func DemoCredentials(tokens *TokenIssuer, cost int) (*CredentialTable, error) {
	table, err := NewCredentialTable(tokens, cost)
	if err != nil {
		return nil, err
	}

	accounts := []struct {
		email  string
		name   string
		role   models.Role
		secret string
	}{
		{DemoAdminEmail, "OctaPulse Admin", models.RoleAdmin, DemoAdminSecret},
		{DemoMemberEmail, "OctaPulse Analyst", models.RoleMember, DemoMemberSecret},
	}
	for _, a := range accounts {
		p := models.Principal{
			ID:           stableID("user", a.email),
			Email:        a.email,
			Name:         a.name,
			Role:         a.role,
			Organization: DemoOrganization,
		}
		if err := table.Add(p, a.secret); err != nil {
			return nil, err
		}
	}
	return table, nil
}

// Add registers or replaces the record for p.Email
func (t *CredentialTable) Add(p models.Principal, secret string) error {
	p.Email = models.NormalizeEmail(p.Email)
	p.SessionToken = ""
	if err := p.Validate(); err != nil {
		return apperrors.NewValidationError("invalid principal", err)
	}
	if secret == "" {
		return apperrors.NewValidationError("secret must not be empty", nil)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), t.cost)
	if err != nil {
		return fmt.Errorf("failed to hash secret: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[p.Email] = credential{principal: p, hash: hash}
	return nil
}

// Authenticate implements Authenticator
func (t *CredentialTable) Authenticate(ctx context.Context, email, secret string) (*models.Principal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.RLock()
	record, ok := t.records[models.NormalizeEmail(email)]
	t.mu.RUnlock()

	if !ok {
		_ = bcrypt.CompareHashAndPassword(t.dummyHash, []byte(secret))
		return nil, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword(record.hash, []byte(secret)) != nil {
		return nil, ErrInvalidCredentials
	}

	p := record.principal
	if t.tokens != nil {
		token, err := t.tokens.Issue(&p)
		if err != nil {
			return nil, apperrors.NewInternalError("failed to issue session token", err)
		}
		p.SessionToken = token
	}
	return &p, nil
}

func stableID(kind, name string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("octapulse:"+kind+":"+name)).String()
}
