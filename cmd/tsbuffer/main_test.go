package main

import "testing"

func TestParseOpen(t *testing.T) {
	t.Parallel()
	got := parseOpen("live1=C:/buf/a.tsbuffer, /data/b.tsbuffer,empty=")
	want := map[string]string{
		"live1": "C:/buf/a.tsbuffer",
		"s1":    "/data/b.tsbuffer",
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
	if len(parseOpen("")) != 0 {
		t.Error("empty input should open nothing")
	}
}

func TestEnvOr(t *testing.T) {
	t.Setenv("TIMESHIFT_TEST_VAR", "set")
	if got := envOr("TIMESHIFT_TEST_VAR", "fallback"); got != "set" {
		t.Errorf("got %q, want set", got)
	}
	if got := envOr("TIMESHIFT_TEST_UNSET", "fallback"); got != "fallback" {
		t.Errorf("got %q, want fallback", got)
	}
}
