package files

import "testing"

func TestSanitizeExt(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "screenshot.png", ".png"},
		{"upper", "REPORT.PDF", ".pdf"},
		{"no extension", "Makefile", ""},
		{"path traversal", "../../etc/passwd", ""},
		{"long extension", "file.averylongextension", ""},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := sanitizeExt(tc.in); got != tc.want {
				t.Errorf("sanitizeExt(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
