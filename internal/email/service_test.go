package email

import (
	"strings"
	"testing"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{
			name:     "empty config",
			config:   Config{},
			expected: false,
		},
		{
			name: "missing host",
			config: Config{
				Port: "587",
				From: "test@example.com",
			},
			expected: false,
		},
		{
			name: "missing port",
			config: Config{
				Host: "smtp.example.com",
				From: "test@example.com",
			},
			expected: false,
		},
		{
			name: "missing from",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
			},
			expected: false,
		},
		{
			name: "fully configured",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
				From: "test@example.com",
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config)
			if svc.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.expected)
			}
		})
	}
}

func TestRenderGrantTemplate(t *testing.T) {
	data := GrantData{
		AppName:    "Tracker",
		UserName:   "bob",
		IssueTitle: "Crash on save",
		Role:       "manager",
		IssueURL:   "https://example.com/issues/iss_abc123",
	}

	html, err := renderTemplate(grantEmailTemplate, data)
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}

	if !strings.Contains(html, "Tracker") {
		t.Error("template should contain app name")
	}
	if !strings.Contains(html, "bob") {
		t.Error("template should contain user name")
	}
	if !strings.Contains(html, "Crash on save") {
		t.Error("template should contain issue title")
	}
	if !strings.Contains(html, "manager") {
		t.Error("template should contain the granted role")
	}
	if !strings.Contains(html, "https://example.com/issues/iss_abc123") {
		t.Error("template should contain issue URL")
	}
}
