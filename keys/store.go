// Package keys implements the Ed25519 signer and key store: loading the
// active keys, signing payloads, publishing JWKS, and rotating/
// deactivating kids.
package keys

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	shortid "github.com/teris-io/shortid"

	"github.com/trustedserver/edgecore/errkind"
	"github.com/trustedserver/edgecore/kvstore"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	keyCurrentKid = "current-kid"
	keyActiveKids = "active-kids"
)

// JWK is an Ed25519 OKP JSON Web Key.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
}

// JWKSet is the published set of active public keys.
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

// Store loads and manages the Ed25519 key set backed by a config store
// (public metadata) and a secret store (private seeds).
type Store struct {
	cfg    kvstore.ConfigStore
	secret kvstore.SecretStore

	mu  sync.Mutex // serializes rotate/deactivate, not reads
	now func() time.Time
}

// New returns a Store over the given config/secret stores.
func New(cfg kvstore.ConfigStore, secret kvstore.SecretStore) *Store {
	return &Store{cfg: cfg, secret: secret, now: time.Now}
}

// Bootstrap ensures a current key exists, generating one if the config
// store is empty. Safe to call on every boot.
func (s *Store) Bootstrap(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok, err := s.cfg.Get(ctx, keyCurrentKid); err != nil {
		return "", errkind.Wrap(errkind.Configuration, err)
	} else if ok {
		return s.currentKidLocked(ctx)
	}
	kid, err := s.generateKid(ctx, "")
	if err != nil {
		return "", err
	}
	if err := s.activateLocked(ctx, kid); err != nil {
		return "", err
	}
	return kid, nil
}

func (s *Store) currentKidLocked(ctx context.Context) (string, error) {
	v, ok, err := s.cfg.Get(ctx, keyCurrentKid)
	if err != nil {
		return "", errkind.Wrap(errkind.Configuration, err)
	}
	if !ok {
		return "", errkind.New(errkind.Configuration, "current-kid not set")
	}
	return v, nil
}

func activeKidsList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func joinKids(kids []string) string { return strings.Join(kids, ",") }

// ActiveKids returns the current active-kids list.
func (s *Store) ActiveKids(ctx context.Context) ([]string, error) {
	v, _, err := s.cfg.Get(ctx, keyActiveKids)
	if err != nil {
		return nil, errkind.Wrap(errkind.Configuration, err)
	}
	return activeKidsList(v), nil
}

// CurrentKid returns the current signing kid.
func (s *Store) CurrentKid(ctx context.Context) (string, error) {
	return s.currentKidLocked(ctx)
}

// loadPrivate loads and decodes the Ed25519 private key for kid.
func (s *Store) loadPrivate(ctx context.Context, kid string) (ed25519.PrivateKey, error) {
	seedB64, ok, err := s.secret.Get(ctx, kid)
	if err != nil {
		return nil, errkind.Wrap(errkind.Configuration, err)
	}
	if !ok {
		return nil, errkind.New(errkind.KeyNotFound, "no secret for kid "+kid)
	}
	seed, err := base64.StdEncoding.DecodeString(seedB64)
	if err != nil {
		return nil, errkind.Wrap(errkind.Configuration, errors.Wrap(err, "decoding seed"))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// loadPublic loads and decodes the Ed25519 public key for kid from its
// published JWK.
func (s *Store) loadPublic(ctx context.Context, kid string) (ed25519.PublicKey, error) {
	blob, ok, err := s.cfg.Get(ctx, kid)
	if err != nil {
		return nil, errkind.Wrap(errkind.Configuration, err)
	}
	if !ok {
		return nil, errkind.New(errkind.KeyNotFound, "no jwk for kid "+kid)
	}
	var jwk JWK
	if err := json.Unmarshal([]byte(blob), &jwk); err != nil {
		return nil, errkind.Wrap(errkind.Configuration, err)
	}
	pub, err := base64.RawURLEncoding.DecodeString(jwk.X)
	if err != nil {
		return nil, errkind.Wrap(errkind.Configuration, err)
	}
	return ed25519.PublicKey(pub), nil
}

// Sign signs payload with current-kid, returning the base64url signature
// and the kid used.
func (s *Store) Sign(ctx context.Context, payload []byte) (signature, kid string, err error) {
	kid, err = s.currentKidLocked(ctx)
	if err != nil {
		return "", "", err
	}
	priv, err := s.loadPrivate(ctx, kid)
	if err != nil {
		return "", "", err
	}
	sig := ed25519.Sign(priv, payload)
	return base64.RawURLEncoding.EncodeToString(sig), kid, nil
}

// Verify checks signature against payload for the named kid. Only a kid
// present in active-kids at the time of the call is accepted; a kid
// that has been deactivated yields KeyNotFound.
func (s *Store) Verify(ctx context.Context, payload []byte, signature, kid string) (bool, error) {
	active, err := s.ActiveKids(ctx)
	if err != nil {
		return false, err
	}
	found := false
	for _, k := range active {
		if k == kid {
			found = true
			break
		}
	}
	if !found {
		return false, errkind.New(errkind.KeyNotFound, "kid not active: "+kid)
	}
	pub, err := s.loadPublic(ctx, kid)
	if err != nil {
		return false, err
	}
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return false, errkind.New(errkind.BadRequest, "invalid signature encoding")
	}
	return ed25519.Verify(pub, payload, sig), nil
}

// PublishJWKS returns the JWK set filtered to active-kids.
func (s *Store) PublishJWKS(ctx context.Context) (*JWKSet, error) {
	active, err := s.ActiveKids(ctx)
	if err != nil {
		return nil, err
	}
	out := &JWKSet{Keys: make([]JWK, 0, len(active))}
	for _, kid := range active {
		blob, ok, err := s.cfg.Get(ctx, kid)
		if err != nil || !ok {
			continue
		}
		var jwk JWK
		if err := json.Unmarshal([]byte(blob), &jwk); err == nil {
			out.Keys = append(out.Keys, jwk)
		}
	}
	return out, nil
}

// generateKid creates a new Ed25519 keypair, writes its seed and JWK,
// and returns the assigned kid. It does not touch active-kids or
// current-kid.
func (s *Store) generateKid(ctx context.Context, hint string) (string, error) {
	kid := hint
	if kid == "" {
		kid = "ts-" + s.now().UTC().Format("2006-01-02")
	}
	if _, ok, _ := s.cfg.Get(ctx, kid); ok {
		suffix, err := shortid.Generate()
		if err != nil {
			suffix = s.now().UTC().Format("150405.000000")
		}
		kid = kid + "-" + sanitizeShortid(suffix)
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return "", errkind.Wrap(errkind.Internal, err)
	}
	seed := priv.Seed()

	if err := s.secret.Put(ctx, kid, base64.StdEncoding.EncodeToString(seed)); err != nil {
		return "", errkind.Wrap(errkind.Configuration, errors.Wrap(err, "writing private seed"))
	}
	jwk := JWK{
		Kty: "OKP",
		Crv: "Ed25519",
		X:   base64.RawURLEncoding.EncodeToString(pub),
		Alg: "EdDSA",
		Kid: kid,
	}
	blob, err := json.Marshal(jwk)
	if err != nil {
		return "", errkind.Wrap(errkind.Internal, err)
	}
	if err := s.cfg.Put(ctx, kid, string(blob)); err != nil {
		return "", errkind.Wrap(errkind.Configuration, errors.Wrap(err, "writing public jwk"))
	}
	return kid, nil
}

func sanitizeShortid(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (s *Store) activateLocked(ctx context.Context, kid string) error {
	active, err := s.ActiveKids(ctx)
	if err != nil {
		return err
	}
	active = append(active, kid)
	if err := s.cfg.Put(ctx, keyActiveKids, joinKids(active)); err != nil {
		return errkind.Wrap(errkind.Configuration, err)
	}
	if err := s.cfg.Put(ctx, keyCurrentKid, kid); err != nil {
		return errkind.Wrap(errkind.Configuration, err)
	}
	return nil
}

// RotationResult is the outcome of Rotate.
type RotationResult struct {
	NewKid      string
	PreviousKid string
	ActiveKids  []string
}

// Rotate implements the five-step rotation protocol: generate
// a keypair, write the seed, write the JWK, append to active-kids, then
// flip current-kid — in that order, so a crash mid-rotation leaves
// current-kid pointing at a still-valid key.
func (s *Store) Rotate(ctx context.Context, kidHint string) (*RotationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, _ := s.currentKidLocked(ctx) // empty if no current key yet (first bootstrap)
	newKid, err := s.generateKid(ctx, kidHint)
	if err != nil {
		return nil, err
	}
	if err := s.activateLocked(ctx, newKid); err != nil {
		return nil, err
	}
	active, err := s.ActiveKids(ctx)
	if err != nil {
		return nil, err
	}
	return &RotationResult{NewKid: newKid, PreviousKid: previous, ActiveKids: active}, nil
}

// Deactivate removes kid from active-kids (optionally deleting its
// secret/JWK material) and refuses if it would leave active-kids empty,
// per the rotation invariant above.
func (s *Store) Deactivate(ctx context.Context, kid string, del bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.ActiveKids(ctx)
	if err != nil {
		return err
	}
	remaining := make([]string, 0, len(active))
	found := false
	for _, k := range active {
		if k == kid {
			found = true
			continue
		}
		remaining = append(remaining, k)
	}
	if !found {
		return errkind.New(errkind.KeyNotFound, "kid not active: "+kid)
	}
	if len(remaining) == 0 {
		return errkind.New(errkind.BadRequest, "refusing to deactivate the only active kid")
	}
	if err := s.cfg.Put(ctx, keyActiveKids, joinKids(remaining)); err != nil {
		return errkind.Wrap(errkind.Configuration, err)
	}
	current, _ := s.currentKidLocked(ctx)
	if current == kid {
		if err := s.cfg.Put(ctx, keyCurrentKid, remaining[len(remaining)-1]); err != nil {
			return errkind.Wrap(errkind.Configuration, err)
		}
	}
	if del {
		_ = s.secret.Delete(ctx, kid)
		_ = s.cfg.Delete(ctx, kid)
	}
	return nil
}
