package main

import (
	"strings"
	"testing"
)

func TestValidTier(t *testing.T) {
	for _, tier := range []string{"free", "pro", "enterprise"} {
		if !validTier(tier) {
			t.Errorf("validTier(%q) = false, want true", tier)
		}
	}
	for _, tier := range []string{"", "FREE", "premium", "trial"} {
		if validTier(tier) {
			t.Errorf("validTier(%q) = true, want false", tier)
		}
	}
}

func TestNewKeySecret(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		secret, err := newKeySecret()
		if err != nil {
			t.Fatalf("newKeySecret: %v", err)
		}
		if !strings.HasPrefix(secret, "sk_") {
			t.Errorf("secret %q missing sk_ prefix", secret)
		}
		if len(secret) != 3+48 {
			t.Errorf("secret length = %d, want %d", len(secret), 3+48)
		}
		if seen[secret] {
			t.Errorf("duplicate secret generated: %q", secret)
		}
		seen[secret] = true
	}
}

func TestUsersAddCommand_BadTier(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"users", "add", "someone@example.com", "--tier", "platinum"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for unknown tier")
	}
	if !strings.Contains(err.Error(), "unknown tier") {
		t.Errorf("error = %q, want it to mention 'unknown tier'", err.Error())
	}
}

func TestHistoryPruneCommand_BadWindow(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"history", "prune", "--older-than", "0", "--confirm"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for non-positive retention window")
	}
	if !strings.Contains(err.Error(), "older-than") {
		t.Errorf("error = %q, want it to mention 'older-than'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}
