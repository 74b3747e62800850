package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestEnvironmentVariableExpansion tests various scenarios of environment variable expansion
func TestEnvironmentVariableExpansion(t *testing.T) {
	testCases := []struct {
		name       string
		envVars    map[string]string
		yamlConfig string
		validate   func(*testing.T, *Config)
	}{
		{
			name: "basic env var expansion",
			envVars: map[string]string{
				"OLLAMA_ENDPOINT": "http://ollama.internal:11434",
			},
			yamlConfig: `
enhancement:
    endpoint: ${OLLAMA_ENDPOINT}`,
			validate: func(t *testing.T, c *Config) {
				if c.Enhancement.Endpoint != "http://ollama.internal:11434" {
					t.Errorf("endpoint not expanded correctly, got %s", c.Enhancement.Endpoint)
				}
			},
		},
		{
			name:    "missing env var",
			envVars: map[string]string{},
			yamlConfig: `
enhancement:
    endpoint: ${MISSING_ENDPOINT}`,
			validate: func(t *testing.T, c *Config) {
				if c.Enhancement.Endpoint != "http://localhost:11434" {
					t.Errorf("missing env var leaves an empty value, so the default endpoint should be kept, got %s", c.Enhancement.Endpoint)
				}
			},
		},
		{
			name: "multiple env vars in single value",
			envVars: map[string]string{
				"API_HOST":    "ollama.internal",
				"API_VERSION": "v1",
			},
			yamlConfig: `
enhancement:
    endpoint: https://${API_HOST}/${API_VERSION}`,
			validate: func(t *testing.T, c *Config) {
				expected := "https://ollama.internal/v1"
				if c.Enhancement.Endpoint != expected {
					t.Errorf("multiple env vars not expanded correctly, got %s, want %s",
						c.Enhancement.Endpoint, expected)
				}
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.envVars {
				if err := os.Setenv(k, v); err != nil {
					t.Fatalf("failed to set env var %s: %v", k, err)
				}
			}

			config, err := Load(strings.NewReader(tc.yamlConfig))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			tc.validate(t, config)

			for k := range tc.envVars {
				os.Unsetenv(k)
			}
		})
	}
}

// TestConfigValidationWithEnvVars tests config validation with environment variables
func TestConfigValidationWithEnvVars(t *testing.T) {
	testCases := []struct {
		name       string
		envVars    map[string]string
		yamlConfig string
		wantErr    bool
		errMsg     string
	}{
		{
			name: "valid config with env vars",
			envVars: map[string]string{
				"SERVER_PORT": "8080",
			},
			yamlConfig: `
server:
    port: ${SERVER_PORT}
`,
			wantErr: false,
		},
		{
			name: "invalid port from env var",
			envVars: map[string]string{
				"SERVER_PORT": "-1",
			},
			yamlConfig: `
server:
    port: ${SERVER_PORT}
`,
			wantErr: true,
			errMsg:  "invalid port",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.envVars {
				if err := os.Setenv(k, v); err != nil {
					t.Fatalf("failed to set env var %s: %v", k, err)
				}
			}

			_, err := Load(strings.NewReader(tc.yamlConfig))

			if tc.wantErr {
				if err == nil {
					t.Errorf("expected error containing %q, got nil", tc.errMsg)
				} else if !strings.Contains(err.Error(), tc.errMsg) {
					t.Errorf("expected error containing %q, got %v", tc.errMsg, err)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}

			for k := range tc.envVars {
				os.Unsetenv(k)
			}
		})
	}
}

// TestConfigMerging tests how environment variables interact with default values
func TestConfigMerging(t *testing.T) {
	yamlConfig := `
enhancement:
    default_rule:
        model_id: ${MODEL_ID}
`
	envVars := map[string]string{
		// Intentionally not setting MODEL_ID to test default retention
	}

	for k, v := range envVars {
		if err := os.Setenv(k, v); err != nil {
			t.Fatalf("failed to set env var %s: %v", k, err)
		}
		defer os.Unsetenv(k)
	}

	config, err := Load(strings.NewReader(yamlConfig))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if config.Enhancement.DefaultRule.ModelID != "llama2" {
		t.Errorf("expected default model_id to be retained, got %s", config.Enhancement.DefaultRule.ModelID)
	}
}

func TestConfigReloadWithEnvVars(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	initialConfig := `
enhancement:
    endpoint: ${OLLAMA_ENDPOINT:-http://localhost:11434}
`

	if err := os.WriteFile(configPath, []byte(initialConfig), 0644); err != nil {
		t.Fatal(err)
	}

	os.Setenv("OLLAMA_ENDPOINT", "http://initial:11434")
	config, err := LoadFile(configPath)
	if err != nil {
		t.Fatal(err)
	}

	if config.Enhancement.Endpoint != "http://initial:11434" {
		t.Error("initial environment variable not loaded")
	}

	os.Setenv("OLLAMA_ENDPOINT", "http://updated:11434")
	if err := os.WriteFile(configPath, []byte(initialConfig), 0644); err != nil {
		t.Fatal(err)
	}

	newConfig, err := LoadFile(configPath)
	if err != nil {
		t.Fatal(err)
	}

	if newConfig.Enhancement.Endpoint != "http://updated:11434" {
		t.Error("environment variable not updated during reload")
	}

	os.Unsetenv("OLLAMA_ENDPOINT")
}

func TestEnvironmentVariableHandling(t *testing.T) {
	testCases := []struct {
		name       string
		envVars    map[string]string
		yamlConfig string
		validate   func(*testing.T, *Config)
		wantErr    bool
		errMsg     string
	}{
		{
			name: "value with special characters",
			envVars: map[string]string{
				"CRED_TOKEN": "sk-ant-!@#$%^&*()_+=",
			},
			yamlConfig: `
enhancement:
    endpoint: ${CRED_TOKEN}`,
			validate: func(t *testing.T, c *Config) {
				if c.Enhancement.Endpoint != "sk-ant-!@#$%^&*()_+=" {
					t.Errorf("special characters not preserved, got %s", c.Enhancement.Endpoint)
				}
			},
		},
		{
			name: "nested environment variables",
			envVars: map[string]string{
				"API_HOST":    "ollama.internal",
				"API_VERSION": "v1",
				"FULL_URL":    "${API_HOST}/${API_VERSION}",
			},
			yamlConfig: `
enhancement:
    endpoint: https://${FULL_URL}`,
			validate: func(t *testing.T, c *Config) {
				expected := "https://ollama.internal/v1"
				if c.Enhancement.Endpoint != expected {
					t.Errorf("nested environment variables not resolved correctly, got %s, want %s",
						c.Enhancement.Endpoint, expected)
				}
			},
		},
		{
			name: "environment variable case sensitivity",
			envVars: map[string]string{
				"endpoint_key": "lowercase-value",
				"ENDPOINT_KEY": "uppercase-value",
			},
			yamlConfig: `
enhancement:
    endpoint: ${ENDPOINT_KEY}`,
			validate: func(t *testing.T, c *Config) {
				if c.Enhancement.Endpoint != "uppercase-value" {
					t.Errorf("case sensitivity not handled correctly, got %s, want uppercase-value", c.Enhancement.Endpoint)
				}
			},
		},
		{
			name:    "environment variable with default value",
			envVars: map[string]string{},
			yamlConfig: `
enhancement:
    endpoint: ${ENDPOINT:-http://localhost:11434}
    default_rule:
        model_id: ${MODEL_ID:-llama2}`,
			validate: func(t *testing.T, c *Config) {
				if c.Enhancement.Endpoint != "http://localhost:11434" {
					t.Errorf("default value not applied for endpoint, got %s", c.Enhancement.Endpoint)
				}
				if c.Enhancement.DefaultRule.ModelID != "llama2" {
					t.Errorf("default value not applied for model_id, got %s", c.Enhancement.DefaultRule.ModelID)
				}
			},
		},
		{
			name: "empty environment variable handling",
			envVars: map[string]string{
				"EMPTY_KEY": "",
			},
			yamlConfig: `
enhancement:
    endpoint: ${EMPTY_KEY}`,
			validate: func(t *testing.T, c *Config) {
				if c.Enhancement.Endpoint != "http://localhost:11434" {
					t.Error("empty environment variable leaves an empty value, so the default endpoint should be kept")
				}
			},
		},
		{
			name: "invalid environment variable syntax",
			envVars: map[string]string{
				"VALID_KEY": "valid-value",
			},
			yamlConfig: `
enhancement:
    endpoint: ${VALID_KEY
`,
			wantErr: true,
			errMsg:  "invalid syntax",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.envVars {
				if err := os.Setenv(k, v); err != nil {
					t.Fatalf("failed to set env var %s: %v", k, err)
				}
			}

			config, err := Load(strings.NewReader(tc.yamlConfig))

			if tc.wantErr {
				if err == nil {
					t.Errorf("expected error containing %q, got nil", tc.errMsg)
				} else if !strings.Contains(err.Error(), tc.errMsg) {
					t.Errorf("expected error containing %q, got %v", tc.errMsg, err)
				}
				for k := range tc.envVars {
					os.Unsetenv(k)
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			tc.validate(t, config)

			for k := range tc.envVars {
				os.Unsetenv(k)
			}
		})
	}
}
