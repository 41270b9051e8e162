package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/opulenthorizons/leadsync/internal/leadsync"
)

const sampleConfig = `
sources:
  - name: META
    scheme: hmac
    secret: inline-secret
    channel: lead
    payloadSchema:
      type: object
      required: [email]
  - name: CLOUDTALK
    scheme: hmac
    secretEnv: CLOUDTALK_WEBHOOK_SECRET
    signatureHeader: X-CloudTalk-Signature
    channel: call
  - name: NOTION
    scheme: challenge
    channel: note
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sources.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadSources(t *testing.T) {
	t.Setenv("CLOUDTALK_WEBHOOK_SECRET", "env-secret")
	sources, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(sources) != 3 {
		t.Fatalf("sources = %d, want 3", len(sources))
	}

	byName := map[string]leadsync.SourceConfig{}
	for _, source := range sources {
		byName[source.Name] = source
	}
	meta := byName["META"]
	if meta.Scheme != leadsync.SchemeHMAC || meta.Secret != "inline-secret" {
		t.Fatalf("meta = %+v", meta)
	}
	if meta.PayloadSchema == "" {
		t.Fatal("meta payload schema not rendered")
	}
	cloudtalk := byName["CLOUDTALK"]
	if cloudtalk.Secret != "env-secret" {
		t.Fatalf("secretEnv not resolved: %+v", cloudtalk)
	}
	if cloudtalk.SignatureHeader != "X-CloudTalk-Signature" || cloudtalk.Channel != "call" {
		t.Fatalf("cloudtalk = %+v", cloudtalk)
	}
	if byName["NOTION"].Scheme != leadsync.SchemeChallenge {
		t.Fatalf("notion = %+v", byName["NOTION"])
	}
}

func TestLoadRejectsEmptyAndNameless(t *testing.T) {
	if _, err := Load(writeConfig(t, "sources: []\n")); err == nil {
		t.Fatal("empty source list must error")
	}
	if _, err := Load(writeConfig(t, "sources:\n  - scheme: hmac\n")); err == nil {
		t.Fatal("nameless source must error")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing file must error")
	}
}

func TestLoadedSchemaCompiles(t *testing.T) {
	sources, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	schemas, err := leadsync.NewSchemaSet(sources)
	if err != nil {
		t.Fatalf("NewSchemaSet: %v", err)
	}
	var payload any = map[string]any{"phone": "+15550100"}
	if err := schemas.Validate("META", payload); err == nil {
		t.Fatal("payload without email must fail META schema")
	}
	payload = map[string]any{"email": "ana@example.com"}
	if err := schemas.Validate("META", payload); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
}
