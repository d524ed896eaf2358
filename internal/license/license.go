// Package license issues and verifies the signed license tokens that carry
// the premium-tier signal. Quota checks live here too; the vault itself
// enforces none.
package license

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/vaultkeeper/internal/clock"
	"github.com/dmitrijs2005/vaultkeeper/internal/models"
	"github.com/golang-jwt/jwt/v5"
)

const (
	PlanFree    = "free"
	PlanPremium = "premium"

	// FreeEntryLimit is the number of entries allowed without premium.
	FreeEntryLimit = 50
)

var (
	ErrNoSecret       = errors.New("license: signing secret is empty")
	ErrInvalidToken   = errors.New("license: invalid token")
	ErrLicenseExpired = errors.New("license: token expired")
)

// Claims is the token body: standard claims plus the plan name.
type Claims struct {
	jwt.RegisteredClaims
	Plan string `json:"plan"`
}

type Verifier struct {
	secret []byte
	clock  clock.Clock
}

// NewVerifier returns a verifier for HS256 tokens signed with secret. There
// is no fallback secret.
func NewVerifier(secret []byte, clk clock.Clock) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, ErrNoSecret
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Verifier{secret: append([]byte(nil), secret...), clock: clk}, nil
}

// Issue signs a token for plan. A nil expiresAt never expires.
func (v *Verifier) Issue(plan string, expiresAt *time.Time) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(v.clock.Now()),
		},
		Plan: plan,
	}
	if expiresAt != nil {
		claims.ExpiresAt = jwt.NewNumericDate(*expiresAt)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign license: %w", err)
	}
	return s, nil
}

// Status verifies token and returns the license it grants. An empty token
// is the free plan. Invalid or expired tokens return the free status along
// with the error.
func (v *Verifier) Status(token string) (models.LicenseStatus, error) {
	free := models.LicenseStatus{Plan: PlanFree}
	if strings.TrimSpace(token) == "" {
		return free, nil
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.clock.Now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return free, ErrLicenseExpired
	case err != nil:
		return free, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	case !parsed.Valid:
		return free, ErrInvalidToken
	}

	st := models.LicenseStatus{
		Plan:      claims.Plan,
		IsPremium: claims.Plan != "" && claims.Plan != PlanFree,
	}
	if claims.ExpiresAt != nil {
		t := claims.ExpiresAt.Time.UTC()
		st.ExpiresAt = &t
	}
	return st, nil
}

// EntryQuota returns the entry limit for status at now; 0 means unlimited.
func EntryQuota(status models.LicenseStatus, now time.Time) int {
	if status.Active(now) {
		return 0
	}
	return FreeEntryLimit
}

// CanAddEntry reports whether one more entry fits the quota.
func CanAddEntry(status models.LicenseStatus, count int, now time.Time) bool {
	q := EntryQuota(status, now)
	return q == 0 || count < q
}
