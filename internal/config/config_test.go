package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opsflow/switchboard/internal/deployment"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "switchboard.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

const minimalYAML = `
deployments:
  - name: dc1
    api_base: https://dc1.openai.azure.com
    api_key: secret
`

func TestLoadFromFile_AppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, minimalYAML)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HealthcheckInterval != 10*time.Second {
		t.Errorf("HealthcheckInterval = %v, want 10s", cfg.HealthcheckInterval)
	}
	if cfg.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.MaxAttempts)
	}
	if len(cfg.Deployments) != 1 || cfg.Deployments[0].Name != "dc1" {
		t.Fatalf("Deployments = %+v, want one deployment named dc1", cfg.Deployments)
	}
}

func TestLoadFromFile_ExpandsEnvVars(t *testing.T) {
	t.Setenv("SWITCHBOARD_TEST_KEY", "expanded-secret")
	path := writeTempConfig(t, `
deployments:
  - name: dc1
    api_base: https://dc1.openai.azure.com
    api_key: ${SWITCHBOARD_TEST_KEY}
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Deployments[0].APIKey != "expanded-secret" {
		t.Fatalf("APIKey = %q, want expanded-secret", cfg.Deployments[0].APIKey)
	}
}

func TestLoadFromFile_MissingFile(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate_RejectsEmptyDeployments(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty deployments")
	}
}

func TestValidate_RejectsDuplicateNames(t *testing.T) {
	path := writeTempConfig(t, `
deployments:
  - name: dc1
    api_base: https://dc1.openai.azure.com
  - name: dc1
    api_base: https://dc2.openai.azure.com
`)
	if _, err := LoadFromFile(path); err == nil {
		t.Fatal("expected error for duplicate deployment names")
	}
}

func TestValidate_RequiresAPIBase(t *testing.T) {
	path := writeTempConfig(t, `
deployments:
  - name: dc1
`)
	if _, err := LoadFromFile(path); err == nil {
		t.Fatal("expected error for missing api_base")
	}
}

func TestValidate_RejectsNegativeRateLimits(t *testing.T) {
	path := writeTempConfig(t, `
deployments:
  - name: dc1
    api_base: https://dc1.openai.azure.com
    tpm_ratelimit: -1
`)
	if _, err := LoadFromFile(path); err == nil {
		t.Fatal("expected error for negative rate limit")
	}
}

func TestValidate_RejectsNonPositiveMaxAttempts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Deployments = []deployment.Config{{Name: "dc1", APIBase: "https://dc1.openai.azure.com"}}
	cfg.MaxAttempts = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero max_attempts")
	}
}
