package configutil

import (
	"strings"
	"testing"

	"github.com/harunnryd/dialtone/pkg/errorsx"
)

func TestDecodeSettingsNormalizesKeys(t *testing.T) {
	type target struct {
		AccountSID string `mapstructure:"account_sid"`
		MaxRetries int    `mapstructure:"max_retries"`
	}
	var out target
	err := DecodeSettings(map[string]any{
		"Account-SID": "AC123",
		"MAX_RETRIES": "3",
	}, &out)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if out.AccountSID != "AC123" {
		t.Fatalf("expected AC123, got %q", out.AccountSID)
	}
	if out.MaxRetries != 3 {
		t.Fatalf("expected weakly typed int 3, got %d", out.MaxRetries)
	}
}

func TestValidateSettingsMissingAndUnknown(t *testing.T) {
	schema := Schema{
		Required: []string{"server", "username"},
		Optional: []string{"transport"},
	}
	err := ValidateSettings(map[string]any{
		"server": "pbx.example.com",
		"bogus":  true,
	}, schema)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "missing: username") {
		t.Fatalf("expected missing username, got %v", err)
	}
	if !strings.Contains(err.Error(), "unknown: bogus") {
		t.Fatalf("expected unknown bogus, got %v", err)
	}
	if !errorsx.HasReason(err, errorsx.ReasonConfig) {
		t.Fatalf("expected config reason, got %v", errorsx.Reason(err))
	}
}

func TestValidateSettingsEmptyRequired(t *testing.T) {
	schema := Schema{Required: []string{"password"}}
	err := ValidateSettings(map[string]any{"password": "   "}, schema)
	if err == nil || !strings.Contains(err.Error(), "missing: password") {
		t.Fatalf("expected blank required value reported missing, got %v", err)
	}
}

func TestValidateSettingsAcceptsNormalizedKeys(t *testing.T) {
	schema := Schema{
		Required: []string{"domain"},
		Optional: []string{"register_expiry"},
	}
	err := ValidateSettings(map[string]any{
		"Domain":          "sipgate.de",
		"Register-Expiry": "2m",
	}, schema)
	if err != nil {
		t.Fatalf("expected normalized keys accepted, got %v", err)
	}
}

func TestStringValueFallback(t *testing.T) {
	if got := StringValue("", "udp"); got != "udp" {
		t.Fatalf("expected fallback, got %q", got)
	}
	if got := StringValue("tcp", "udp"); got != "tcp" {
		t.Fatalf("expected explicit value, got %q", got)
	}
}
