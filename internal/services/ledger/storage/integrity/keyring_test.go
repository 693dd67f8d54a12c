package integrity

import "testing"

func TestNewKeyringValidation(t *testing.T) {
	if _, err := NewKeyring(nil, "v1"); err == nil {
		t.Fatal("expected error for missing keys")
	}
	if _, err := NewKeyring(map[string][]byte{"v1": []byte("secret")}, ""); err == nil {
		t.Fatal("expected error for missing active key id")
	}
	if _, err := NewKeyring(map[string][]byte{"v1": []byte("secret")}, "v2"); err == nil {
		t.Fatal("expected error for unknown active key id")
	}
	if _, err := NewKeyring(map[string][]byte{"v1": nil}, "v1"); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestKeyringSignAndVerify(t *testing.T) {
	ring, err := NewKeyring(map[string][]byte{"v1": []byte("secret")}, "v1")
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}

	sig, keyID, err := ring.Sign("acct-1", "chainhash")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if keyID != "v1" {
		t.Fatalf("expected key id v1, got %s", keyID)
	}
	if err := ring.Verify("acct-1", "chainhash", sig, keyID); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := ring.Verify("acct-2", "chainhash", sig, keyID); err == nil {
		t.Fatal("expected signature from another scope to fail")
	}
}

func TestKeyringVerifyFailures(t *testing.T) {
	ring, err := NewKeyring(map[string][]byte{"v1": []byte("secret")}, "v1")
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}
	sig, _, err := ring.Sign("acct-1", "chainhash")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if err := ring.Verify("acct-1", "chainhash", sig, ""); err == nil {
		t.Fatal("expected error for missing key id")
	}
	if err := ring.Verify("acct-1", "chainhash", sig, "unknown"); err == nil {
		t.Fatal("expected error for unknown key id")
	}
	if err := ring.Verify("acct-1", "chainhash", "bad", "v1"); err == nil {
		t.Fatal("expected error for signature mismatch")
	}
	if _, _, err := ring.Sign(" ", "chainhash"); err == nil {
		t.Fatal("expected error for blank scope")
	}
}

func TestKeyringRotationKeepsOldSignaturesValid(t *testing.T) {
	old, err := NewKeyring(map[string][]byte{"v1": []byte("one")}, "v1")
	if err != nil {
		t.Fatalf("old keyring: %v", err)
	}
	sig, keyID, err := old.Sign("acct-1", "chainhash")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	rotated, err := NewKeyring(map[string][]byte{"v1": []byte("one"), "v2": []byte("two")}, "v2")
	if err != nil {
		t.Fatalf("rotated keyring: %v", err)
	}
	if err := rotated.Verify("acct-1", "chainhash", sig, keyID); err != nil {
		t.Fatalf("verify with rotated ring: %v", err)
	}
	_, newKeyID, err := rotated.Sign("acct-1", "chainhash")
	if err != nil {
		t.Fatalf("sign rotated: %v", err)
	}
	if newKeyID != "v2" {
		t.Fatalf("expected v2 signing key, got %s", newKeyID)
	}
	if ids := rotated.KeyIDs(); len(ids) != 2 || ids[0] != "v1" || ids[1] != "v2" {
		t.Fatalf("unexpected key ids %v", ids)
	}
}

func TestNilKeyring(t *testing.T) {
	var ring *Keyring
	if ring.ActiveKeyID() != "" {
		t.Fatal("expected empty active key id")
	}
	if _, _, err := ring.Sign("acct-1", "x"); err == nil {
		t.Fatal("expected nil keyring sign error")
	}
	if err := ring.Verify("acct-1", "x", "y", "v1"); err == nil {
		t.Fatal("expected nil keyring verify error")
	}
}
