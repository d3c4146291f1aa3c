package tracing

import "testing"

func TestSettingsFromEnv(t *testing.T) {
	t.Setenv("LANGFUSE_HOST", "")
	t.Setenv("LANGFUSE_PUBLIC_KEY", "pk")
	t.Setenv("LANGFUSE_SECRET_KEY", "")

	s := SettingsFromEnv()
	if s.Host != defaultHost {
		t.Errorf("Host = %q, want %q", s.Host, defaultHost)
	}
	if s.Enabled() {
		t.Error("tracing must stay disabled without a secret key")
	}

	handler, flush, ok := Setup()
	if ok || handler != nil || flush != nil {
		t.Error("Setup should return nothing when disabled")
	}
}

func TestSetup_Enabled(t *testing.T) {
	t.Parallel()
	handler, flush, ok := setup(Settings{Host: "http://127.0.0.1:1", PublicKey: "pk", SecretKey: "sk"})
	if !ok || handler == nil || flush == nil {
		t.Fatal("expected a handler and flush func")
	}
}
