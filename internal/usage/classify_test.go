package usage

import "testing"

func TestProviderKey(t *testing.T) {
	cases := []struct{ model, want string }{
		{"claude-sonnet-4", "anthropic"},
		{"Opus-4.1", "anthropic"},
		{"haiku-3.5", "anthropic"},
		{"gpt-5-codex", "openai-codex"},
		{"gpt-4o", "openai"},
		{"gemini-2.5-pro", "google"},
		{"grok-4", "xai"},
		{"openrouter/claude-sonnet-4", "openrouter"},
		{"", "unknown"},
		{"llama-3-70b", "unknown"},
	}
	for _, c := range cases {
		if got := ProviderKey(c.model); got != c.want {
			t.Errorf("ProviderKey(%q)=%q, want %q", c.model, got, c.want)
		}
	}
}

func TestModelKey(t *testing.T) {
	if got := ModelKey("  Claude-Sonnet-4 "); got != "claude-sonnet-4" {
		t.Errorf("got %q", got)
	}
	if got := ModelKey(""); got != "unknown" {
		t.Errorf("got %q", got)
	}
}

func TestClassifySession(t *testing.T) {
	cases := []struct {
		name                                                     string
		source, channel, key, kind, opID, woID                   string
		want                                                     SessionClass
	}{
		{"cron source", "cron", "", "", "", "", "", ClassBackgroundCron},
		{"heartbeat key", "", "", "agent:heartbeat:1", "", "", "", ClassBackgroundCron},
		{"scheduler beats workflow", "scheduler", "", "", "", "op123456789x", "", ClassBackgroundCron},
		{"workflow by op", "", "", "", "", "abc123def456", "", ClassBackgroundWorkflow},
		{"workflow by wo", "", "", "", "", "", "abc123def456", ClassBackgroundWorkflow},
		{"interactive", "telegram", "", "", "", "", "", ClassInteractive},
		{"interactive by kind", "", "", "", "chat", "", "", ClassInteractive},
		{"unknown", "", "", "", "", "", "", ClassUnknown},
	}
	for _, c := range cases {
		got := ClassifySession(c.source, c.channel, c.key, c.kind, c.opID, c.woID)
		if got != c.want {
			t.Errorf("%s: got %q, want %q", c.name, got, c.want)
		}
	}
}

func TestMaxClass(t *testing.T) {
	if got := MaxClass(ClassInteractive, ClassBackgroundCron); got != ClassBackgroundCron {
		t.Errorf("got %q", got)
	}
	if got := MaxClass(ClassBackgroundWorkflow, ClassInteractive); got != ClassBackgroundWorkflow {
		t.Errorf("got %q", got)
	}
	if got := MaxClass("", ""); got != ClassUnknown {
		t.Errorf("got %q", got)
	}
}

func TestSourceFromKey(t *testing.T) {
	cases := []struct{ key, want string }{
		{"agent:main:desk", "overlay"},
		{"webchat:u1", "web"},
		{"browser:tab", "web"},
		{"telegram:12345", "telegram"},
		{"plainkey", "plainkey"},
		{"", ""},
	}
	for _, c := range cases {
		if got := SourceFromKey(c.key); got != c.want {
			t.Errorf("SourceFromKey(%q)=%q, want %q", c.key, got, c.want)
		}
	}
}
