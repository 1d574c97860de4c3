package main

import "testing"

func TestParseAssignments(t *testing.T) {
	form, err := parseAssignments([]string{"keylifetime=300", " IPRestriction =true", "ssourl=https://idp.example.com/start?a=b"})
	if err != nil {
		t.Fatalf("parseAssignments failed: %v", err)
	}
	if form["keylifetime"] != "300" || form["iprestriction"] != "true" {
		t.Errorf("unexpected form %v", form)
	}
	if form["ssourl"] != "https://idp.example.com/start?a=b" {
		t.Errorf("value must keep everything after the first '=', got %q", form["ssourl"])
	}

	for _, bad := range []string{"keylifetime", "=300", "password=secret"} {
		if _, err := parseAssignments([]string{bad}); err == nil {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}
