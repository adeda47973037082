package svcfields

import "testing"

func TestSubsystemSkipsEmptyParts(t *testing.T) {
	t.Parallel()

	cases := []struct {
		parts []string
		want  string
	}{
		{nil, ""},
		{[]string{"lease", "run"}, "lease.run"},
		{[]string{" api. ", "", "http", ".admin"}, "api.http.admin"},
	}
	for _, tc := range cases {
		if got := Subsystem(tc.parts...); got != tc.want {
			t.Errorf("Subsystem(%q) = %q, want %q", tc.parts, got, tc.want)
		}
	}
}

func TestWithSubsystemNilLogger(t *testing.T) {
	t.Parallel()

	if WithSubsystem(nil, "status") == nil {
		t.Fatal("expected a logger")
	}
}
