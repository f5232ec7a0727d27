package registry

import (
	"errors"
	"reflect"
	"testing"
)

func TestParse(t *testing.T) {
	data := []byte(`
integrations:
  - slug: alertmanager
    display_name: Alertmanager
    fingerprint_field: fingerprint
  - slug: webhook
    display_name: Generic Webhook
`)
	reg, err := Parse(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	in, err := reg.Lookup("alertmanager")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if in.FingerprintField != "fingerprint" {
		t.Errorf("unexpected fingerprint field: %q", in.FingerprintField)
	}

	if got, want := reg.Slugs(), []string{"alertmanager", "webhook"}; !reflect.DeepEqual(got, want) {
		t.Errorf("slugs: got %v, want %v", got, want)
	}
}

func TestParse_Rejections(t *testing.T) {
	if _, err := Parse([]byte("integrations:\n  - display_name: nameless")); err == nil {
		t.Error("expected error for missing slug")
	}
	if _, err := Parse([]byte("integrations:\n  - slug: dup\n  - slug: dup")); err == nil {
		t.Error("expected error for duplicate slug")
	}
	if _, err := Parse([]byte("{not yaml")); err == nil {
		t.Error("expected error for invalid yaml")
	}
}

func TestLookup_Unknown(t *testing.T) {
	reg := Default()
	if _, err := reg.Lookup("webhook"); err != nil {
		t.Errorf("built-in webhook integration missing: %v", err)
	}
	_, err := reg.Lookup("nagios")
	if !errors.Is(err, ErrUnknownIntegration) {
		t.Errorf("expected ErrUnknownIntegration, got %v", err)
	}
}
