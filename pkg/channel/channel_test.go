package channel

import "testing"

func TestFilterAccept(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		notice Notice
		want   bool
	}{
		{"empty filter accepts all", Filter{}, Notice{Type: "brain.created", Level: "info"}, true},
		{"type listed", Filter{Types: []string{"brain.failure"}}, Notice{Type: "brain.failure", Level: "error"}, true},
		{"type not listed", Filter{Types: []string{"brain.failure"}}, Notice{Type: "brain.created", Level: "info"}, false},
		{"below min level", Filter{MinLevel: "warn"}, Notice{Type: "status", Level: "info"}, false},
		{"at min level", Filter{MinLevel: "warn"}, Notice{Type: "brain.fallback_degraded", Level: "warn"}, true},
		{"above min level", Filter{MinLevel: "warn"}, Notice{Type: "brain.failure", Level: "error"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Accept(tt.notice); got != tt.want {
				t.Errorf("Accept() = %v, want %v", got, tt.want)
			}
		})
	}
}
