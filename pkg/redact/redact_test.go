package redact

import (
	"strings"
	"testing"
)

func TestRedactDisabled(t *testing.T) {
	SetEnabled(false)
	in := "email a@b.com and phone +62 812 3456 7890"
	if got := Text(in); got != in {
		t.Fatalf("expected no redaction, got %q", got)
	}
	if got := Address("+15551234567"); got != "+15551234567" {
		t.Fatalf("expected no redaction, got %q", got)
	}
}

func TestRedactEnabled(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	in := "email a@b.com and phone +62 812 3456 7890"
	got := Text(in)
	if got == in {
		t.Fatalf("expected redaction")
	}
	if want := "[REDACTED_EMAIL]"; !strings.Contains(got, want) {
		t.Fatalf("expected %q in output", want)
	}
	if want := "[REDACTED_PHONE]"; !strings.Contains(got, want) {
		t.Fatalf("expected %q in output", want)
	}
}

func TestAddressKeepsTail(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	got := Address("+15551234567")
	if got != "***567" {
		t.Fatalf("expected masked tail, got %q", got)
	}
}

func TestAddressSIPURI(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	got := Address("sip:alice@pbx.example.com")
	if strings.Contains(got, "alice") {
		t.Fatalf("expected userinfo masked, got %q", got)
	}
	if !strings.Contains(got, "pbx.example.com") {
		t.Fatalf("expected host preserved, got %q", got)
	}
}
