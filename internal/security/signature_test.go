package security

import "testing"

func TestVerifySignatureRoundTrip(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"meta":{"event_name":"subscription_created"}}`)

	sig := SignPayload(secret, body)
	if !VerifySignature(secret, body, sig) {
		t.Fatalf("expected signature to verify")
	}
}

func TestVerifySignatureRejectsTampering(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"a":1}`)
	sig := SignPayload(secret, body)

	if VerifySignature(secret, []byte(`{"a":2}`), sig) {
		t.Fatalf("expected tampered body to fail verification")
	}
	if VerifySignature("other-secret", body, sig) {
		t.Fatalf("expected wrong secret to fail verification")
	}
	if VerifySignature(secret, body, "") {
		t.Fatalf("expected empty signature to fail verification")
	}
}

func TestVerifySignatureCaseInsensitiveHex(t *testing.T) {
	secret := "whsec_test"
	body := []byte("payload")
	sig := SignPayload(secret, body)

	upper := make([]byte, len(sig))
	for i := 0; i < len(sig); i++ {
		c := sig[i]
		if c >= 'a' && c <= 'f' {
			c = c - 'a' + 'A'
		}
		upper[i] = c
	}
	if !VerifySignature(secret, body, string(upper)) {
		t.Fatalf("expected uppercase hex signature to verify")
	}
}
