package main

import "testing"

func TestRun_ExitCodes(t *testing.T) {
	t.Setenv("ROBART_ENV_FILE", t.TempDir()+"/absent.env")

	if code := run([]string{"--help"}); code != 0 {
		t.Fatalf("run(--help)=%d, want 0", code)
	}
	if code := run([]string{"--mode", "staging"}); code != 2 {
		t.Fatalf("run(--mode staging)=%d, want 2", code)
	}
	if code := run([]string{"--no-such-flag"}); code != 2 {
		t.Fatalf("run(--no-such-flag)=%d, want 2", code)
	}
}

func TestRun_RejectsBadRelayedTag(t *testing.T) {
	t.Setenv("ROBART_ENV_FILE", t.TempDir()+"/absent.env")

	// ReadyToConnectMessage is reserved for role assignment.
	if code := run([]string{"--listen-addr", "127.0.0.1:0", "--http-addr", "", "--relayed-tags", "ReadyToConnectMessage"}); code != 2 {
		t.Fatalf("run=%d, want 2", code)
	}
}
