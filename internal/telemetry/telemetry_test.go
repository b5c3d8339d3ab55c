package telemetry

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveEndpointPrecedence(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	SetEndpointOverride("")
	defer SetEndpointOverride("")

	if got := resolveEndpoint(); got != DefaultEndpoint {
		t.Fatalf("endpoint = %q, want default %q", got, DefaultEndpoint)
	}

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4318")
	if got := resolveEndpoint(); got != "http://collector:4318" {
		t.Fatalf("endpoint = %q, want env value", got)
	}

	SetEndpointOverride("http://override:4318")
	if got := resolveEndpoint(); got != "http://override:4318" {
		t.Fatalf("endpoint = %q, override must win over env", got)
	}
}

func TestEndpointFromConfigPath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "otel table",
			content: "[otel]\nendpoint = \"http://from-table:4318\"\n",
			want:    "http://from-table:4318",
		},
		{
			name:    "top level key",
			content: "otel_endpoint = \"http://from-key:4318\"\n",
			want:    "http://from-key:4318",
		},
		{
			name:    "no endpoint keys",
			content: "fast_model = \"gpt-4o-mini\"\n",
			want:    "",
		},
	}

	for i, tc := range tests {
		tc := tc
		path := filepath.Join(dir, tc.name+".toml")
		if err := os.WriteFile(path, []byte(tc.content), 0o600); err != nil {
			t.Fatalf("write config %d: %v", i, err)
		}
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := endpointFromConfigPath(path)
			if err != nil {
				t.Fatalf("endpointFromConfigPath: %v", err)
			}
			if got != tc.want {
				t.Fatalf("endpoint = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestEndpointFromConfigPathMissingFile(t *testing.T) {
	t.Parallel()

	got, err := endpointFromConfigPath(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("missing config must not error: %v", err)
	}
	if got != "" {
		t.Fatalf("endpoint = %q, want empty", got)
	}
}

func TestResolveEnvironment(t *testing.T) {
	t.Setenv("HAMMER_ENV", "")
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("ENV", "")

	if got := resolveEnvironment(); got != DefaultEnvironment {
		t.Fatalf("environment = %q, want default %q", got, DefaultEnvironment)
	}

	t.Setenv("ENVIRONMENT", "Staging")
	if got := resolveEnvironment(); got != "staging" {
		t.Fatalf("environment = %q, want lowercased env value", got)
	}

	t.Setenv("HAMMER_ENV", "PROD")
	if got := resolveEnvironment(); got != "prod" {
		t.Fatalf("environment = %q, HAMMER_ENV must win", got)
	}
}
