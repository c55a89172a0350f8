package stratumcli

import "testing"

func TestSuggest(t *testing.T) {
	commands := []string{"list", "commit", "mount", "unmount", "status"}

	tests := []struct {
		input string
		want  string
	}{
		{"lst", "list"},
		{"commi", "commit"},
		{"moun", "mount"},
		{"xxxxxx", ""},
		{"", ""},
		{"status", "status"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := Suggest(tt.input, commands)
			if got != tt.want {
				t.Errorf("Suggest(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
