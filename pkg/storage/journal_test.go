package storage

import "testing"

func TestListOptionsNormalize(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, 20},
		{-3, 20},
		{50, 50},
		{500, 100},
	}
	for _, tt := range tests {
		if got := (ListOptions{Limit: tt.in}).Normalize().Limit; got != tt.want {
			t.Errorf("Normalize(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestListOptionsMatches(t *testing.T) {
	r := &Record{Tool: "query", Server: "sql", Status: "failure"}

	tests := []struct {
		name string
		opts ListOptions
		want bool
	}{
		{"no filter", ListOptions{}, true},
		{"tool match", ListOptions{Tool: "query"}, true},
		{"tool mismatch", ListOptions{Tool: "navigate"}, false},
		{"server and status", ListOptions{Server: "sql", Status: "failure"}, true},
		{"status mismatch", ListOptions{Status: "success"}, false},
	}
	for _, tt := range tests {
		if got := tt.opts.Matches(r); got != tt.want {
			t.Errorf("%s: Matches = %v, want %v", tt.name, got, tt.want)
		}
	}
}
