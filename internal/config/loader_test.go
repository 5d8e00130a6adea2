package config_test

import (
	"slices"
	"strings"
	"testing"

	"github.com/clinicrx/dictation/internal/config"
)

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: verbose
provider:
  api_key: key
`
	_, err := config.LoadFromReader(strings.NewReader(yaml), noEnv())
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_APIKeyRequired(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"gemini-live", "deepgram"} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader("provider:\n  name: "+name+"\n"), noEnv())
			if err == nil {
				t.Fatal("expected error for missing api_key, got nil")
			}
			if !strings.Contains(err.Error(), "provider.api_key") {
				t.Errorf("error should mention provider.api_key, got: %v", err)
			}
		})
	}
}

func TestValidate_CloudSpeechRequiresProject(t *testing.T) {
	t.Parallel()
	yaml := `
provider:
  name: cloud-speech
`
	_, err := config.LoadFromReader(strings.NewReader(yaml), noEnv())
	if err == nil {
		t.Fatal("expected error for missing project_id, got nil")
	}
	if !strings.Contains(err.Error(), "project_id") {
		t.Errorf("error should mention project_id, got: %v", err)
	}

	ok := `
provider:
  name: cloud-speech
  options:
    project_id: clinic-prod
    location: us-central1
`
	cfg, err := config.LoadFromReader(strings.NewReader(ok), noEnv())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.Provider.OptionString("location"); got != "us-central1" {
		t.Errorf("OptionString(location): got %q", got)
	}
	if got := cfg.Provider.OptionString("missing"); got != "" {
		t.Errorf("OptionString(missing): got %q, want empty", got)
	}
}

func TestValidate_UnknownProviderOnlyWarns(t *testing.T) {
	t.Parallel()
	yaml := `
provider:
  name: in-house-asr
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml), noEnv()); err != nil {
		t.Fatalf("unknown provider names should only warn, got: %v", err)
	}
}

func TestValidate_WavDeviceRequiresPath(t *testing.T) {
	t.Parallel()
	yaml := `
provider:
  api_key: key
audio:
  device: wav
`
	_, err := config.LoadFromReader(strings.NewReader(yaml), noEnv())
	if err == nil {
		t.Fatal("expected error for wav device without path, got nil")
	}
	if !strings.Contains(err.Error(), "audio.path") {
		t.Errorf("error should mention audio.path, got: %v", err)
	}
}

func TestValidate_TLSRequiresBothFiles(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  tls:
    cert_file: /etc/dictation/cert.pem
provider:
  api_key: key
`
	_, err := config.LoadFromReader(strings.NewReader(yaml), noEnv())
	if err == nil {
		t.Fatal("expected error for incomplete tls, got nil")
	}
	if !strings.Contains(err.Error(), "key_file") {
		t.Errorf("error should mention key_file, got: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
provider:
  name: deepgram
audio:
  device: alsa
  frame_size: -1
session:
  queue_capacity: -4
  drain_timeout: -1s
  response_modality: video
resilience:
  max_failures: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml), noEnv())
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	for _, want := range []string{
		"provider.api_key",
		"audio.device",
		"audio.frame_size",
		"session.queue_capacity",
		"session.drain_timeout",
		"session.response_modality",
		"resilience.max_failures",
	} {
		if !strings.Contains(errStr, want) {
			t.Errorf("error should mention %s, got: %v", want, err)
		}
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"gemini-live", "deepgram", "cloud-speech"} {
		if !slices.Contains(config.ValidProviderNames, name) {
			t.Errorf("ValidProviderNames should contain %q", name)
		}
	}
}
