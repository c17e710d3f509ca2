package khmac

import (
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestSignAndVerify(t *testing.T) {
	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	signer := New("shared-secret").WithClock(func() time.Time { return issued })

	token := signer.Sign("voter42")
	if !strings.HasPrefix(token, "khmac:///sha-256;") {
		t.Fatalf("unexpected token format: %s", token)
	}
	if !strings.HasSuffix(token, "/voter42:"+strconv.FormatInt(issued.Unix(), 10)) {
		t.Fatalf("token does not carry message and timestamp: %s", token)
	}

	msg, err := signer.Verify(token, 0)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if msg != "voter42" {
		t.Fatalf("unexpected message: %s", msg)
	}
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	signer := New("shared-secret")
	token := signer.Sign("voter42")

	tampered := strings.Replace(token, "voter42", "voter43", 1)
	if _, err := signer.Verify(tampered, 0); !errors.Is(err, ErrBadMAC) {
		t.Fatalf("expected ErrBadMAC, got %v", err)
	}

	other := New("other-secret")
	if _, err := other.Verify(token, 0); !errors.Is(err, ErrBadMAC) {
		t.Fatalf("expected ErrBadMAC for wrong secret, got %v", err)
	}
}

func TestVerifyExpiry(t *testing.T) {
	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	signer := New("shared-secret").WithClock(func() time.Time { return issued })
	token := signer.Sign("voter42")

	late := New("shared-secret").WithClock(func() time.Time { return issued.Add(2 * time.Hour) })
	if _, err := late.Verify(token, time.Hour); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if _, err := late.Verify(token, 0); err != nil {
		t.Fatalf("zero maxAge must skip expiry check: %v", err)
	}
}

func TestVerifyMalformed(t *testing.T) {
	signer := New("shared-secret")
	for _, token := range []string{
		"",
		"khmac:///sha-256;deadbeef",
		"khmac:///sha-256;zz/msg:123",
		"bearer abc",
		"khmac:///sha-256;00/msg-without-timestamp",
	} {
		if _, err := signer.Verify(token, 0); !errors.Is(err, ErrMalformed) && !errors.Is(err, ErrBadMAC) {
			t.Fatalf("token %q: expected malformed/bad mac, got %v", token, err)
		}
	}
}
