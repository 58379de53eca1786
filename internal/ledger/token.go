package ledger

import (
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

const tokenTTL = 5 * time.Minute

type terminalClaims struct {
	jwtlib.RegisteredClaims
	StoreID string `json:"store_id,omitempty"`
}

// tokenSigner mints short-lived HS256 bearer tokens identifying the till.
type tokenSigner struct {
	secret     []byte
	terminalID string
	storeID    string
	now        func() time.Time
}

func (s *tokenSigner) sign() (string, error) {
	issuedAt := s.now().UTC()
	claims := terminalClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   s.terminalID,
			IssuedAt:  jwtlib.NewNumericDate(issuedAt),
			ExpiresAt: jwtlib.NewNumericDate(issuedAt.Add(tokenTTL)),
			Issuer:    "kasirinaja-terminal",
		},
		StoreID: s.storeID,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}
