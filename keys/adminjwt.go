// adminjwt issues and verifies short-lived EdDSA JWT bearer tokens
// signed by any currently-active kid. /first-party/sign requires one of
// these; the basic-auth-gated admin paths (including /admin/keys/*) do
// not accept them in place of basic auth.
package keys

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/trustedserver/edgecore/errkind"
)

// AdminClaims carries the fields that matter for an admin session: who,
// and until when.
type AdminClaims struct {
	jwt.RegisteredClaims
	UserID  string `json:"username"`
	IsAdmin bool   `json:"admin"`
}

// IssueAdminToken signs an EdDSA JWT for userID, valid for ttl, using
// current-kid.
func (s *Store) IssueAdminToken(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	kid, err := s.currentKidLocked(ctx)
	if err != nil {
		return "", err
	}
	priv, err := s.loadPrivate(ctx, kid)
	if err != nil {
		return "", err
	}
	claims := AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(s.now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(s.now()),
		},
		UserID:  userID,
		IsAdmin: true,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(priv)
	if err != nil {
		return "", errkind.Wrap(errkind.Internal, err)
	}
	return signed, nil
}

// VerifyAdminToken parses and verifies tokenStr against whichever kid it
// names in its header, requiring that kid still be active (mirrors
// authn.DecryptToken's expiry check, adapted to per-kid public keys
// instead of one shared HMAC secret).
func (s *Store) VerifyAdminToken(ctx context.Context, tokenStr string) (*AdminClaims, error) {
	claims := &AdminClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, errkind.New(errkind.TokenInvalid, "unexpected signing method")
		}
		kid, _ := tok.Header["kid"].(string)
		if kid == "" {
			return nil, errkind.New(errkind.TokenInvalid, "missing kid")
		}
		active, err := s.ActiveKids(ctx)
		if err != nil {
			return nil, err
		}
		ok := false
		for _, k := range active {
			if k == kid {
				ok = true
				break
			}
		}
		if !ok {
			return nil, errkind.New(errkind.TokenInvalid, "kid not active: "+kid)
		}
		return s.loadPublic(ctx, kid)
	})
	if err != nil {
		return nil, errkind.Wrap(errkind.TokenInvalid, err)
	}
	return claims, nil
}
