package keys

import (
	"context"
	"testing"

	"github.com/trustedserver/edgecore/kvstore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := kvstore.NewMemStore()
	secret := kvstore.NewMemStore()
	return New(memCfg{cfg}, memSecret{secret})
}

// memCfg/memSecret adapt kvstore.MemStore's Store interface (which has
// Increment/PutIfAbsent) down to the narrower ConfigStore/SecretStore
// interfaces keys.Store expects.
type memCfg struct{ *kvstore.MemStore }
type memSecret struct{ *kvstore.MemStore }

func (m memCfg) Delete(ctx context.Context, key string) error {
	_, _, _ = m.MemStore.Get(ctx, key)
	return nil
}
func (m memSecret) Delete(ctx context.Context, key string) error {
	_, _, _ = m.MemStore.Get(ctx, key)
	return nil
}

func TestBootstrapThenSignVerify(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	kid, err := s.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	payload := []byte("hello world")
	sig, signedKid, err := s.Sign(ctx, payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if signedKid != kid {
		t.Fatalf("expected signed kid %q, got %q", kid, signedKid)
	}
	ok, err := s.Verify(ctx, payload, sig, signedKid)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatalf("expected signature to verify")
	}
}

func TestRotationKeepsOldSignaturesValid(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	k1, err := s.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	payload := []byte("pre-rotation")
	sig, _, err := s.Sign(ctx, payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	res, err := s.Rotate(ctx, "")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if res.PreviousKid != k1 {
		t.Fatalf("expected previous kid %q, got %q", k1, res.PreviousKid)
	}
	cur, _ := s.CurrentKid(ctx)
	if cur != res.NewKid {
		t.Fatalf("current-kid should equal new kid")
	}

	ok, err := s.Verify(ctx, payload, sig, k1)
	if err != nil || !ok {
		t.Fatalf("signature from before rotation should still verify: ok=%v err=%v", ok, err)
	}
}

func TestDeactivateRefusesToEmptyActiveSet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	kid, err := s.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if err := s.Deactivate(ctx, kid, false); err == nil {
		t.Fatalf("expected deactivation of only active kid to fail")
	}
}

func TestDeactivateThenVerifyFails(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	k1, _ := s.Bootstrap(ctx)
	res, err := s.Rotate(ctx, "")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}

	payload := []byte("x")
	sig, _, _ := s.Sign(ctx, payload)

	if err := s.Deactivate(ctx, k1, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := s.Verify(ctx, []byte("y"), "whatever", k1); err == nil {
		t.Fatalf("expected verify against deactivated kid to fail")
	}

	ok, err := s.Verify(ctx, payload, sig, res.NewKid)
	if err != nil || !ok {
		t.Fatalf("current kid signatures should keep verifying: ok=%v err=%v", ok, err)
	}

	if err := s.Deactivate(ctx, res.NewKid, false); err == nil {
		t.Fatalf("expected deactivating the last remaining kid to fail")
	}
}

func TestPublishJWKSFiltersToActiveKids(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	k1, _ := s.Bootstrap(ctx)
	res, err := s.Rotate(ctx, "")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}

	set, err := s.PublishJWKS(ctx)
	if err != nil {
		t.Fatalf("publish jwks: %v", err)
	}
	if len(set.Keys) != 2 {
		t.Fatalf("expected 2 active keys, got %d", len(set.Keys))
	}
	kids := map[string]bool{}
	for _, k := range set.Keys {
		kids[k.Kid] = true
	}
	if !kids[k1] || !kids[res.NewKid] {
		t.Fatalf("jwks missing expected kids: %+v", kids)
	}
}
