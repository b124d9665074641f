package version

import "testing"

func TestDevBuild(t *testing.T) {
	if got := String(); got != "dev" {
		t.Errorf("String() = %q, want dev", got)
	}
	if got := Full(); got != "dev" {
		t.Errorf("Full() = %q, want dev", got)
	}
	info := Get()
	if info.Version != "dev" || info.Commit != "unknown" {
		t.Errorf("Get() = %+v", info)
	}
}

func TestTaggedBuild(t *testing.T) {
	oldTag, oldCommit, oldDate := tag, commit, date
	t.Cleanup(func() { tag, commit, date = oldTag, oldCommit, oldDate })

	tag, commit, date = "v1.2.0", "abc1234", "2026-10-01"
	if got, want := Full(), "v1.2.0 (abc1234) built 2026-10-01"; got != want {
		t.Errorf("Full() = %q, want %q", got, want)
	}
	tag = ""
	if got := String(); got != "abc1234" {
		t.Errorf("String() = %q, want abc1234", got)
	}
}
