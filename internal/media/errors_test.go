package media

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfUnwrapsNestedErrors(t *testing.T) {
	inner := Storagef("upload", "put object %s: status %d", "abc/master.m3u8", 503)
	wrapped := fmt.Errorf("publish rendition: %w", inner)

	if got := KindOf(wrapped); got != KindStorage {
		t.Fatalf("KindOf = %v, want KindStorage", got)
	}
	if !Retryable(wrapped) {
		t.Fatalf("storage errors should be retryable")
	}
}

func TestKindOfUntagged(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != KindUnknown {
		t.Fatalf("KindOf untagged = %v, want KindUnknown", got)
	}
	if Retryable(errors.New("plain")) {
		t.Fatalf("untagged errors must not be retryable")
	}
}

func TestErrorsIsMatchesBareKind(t *testing.T) {
	err := Conflictf("assemble", "video %s not ready", "vid-1")
	if !errors.Is(err, &Error{Kind: KindConflict}) {
		t.Fatalf("errors.Is should match bare conflict kind")
	}
	if errors.Is(err, &Error{Kind: KindNotFound}) {
		t.Fatalf("errors.Is must not match a different kind")
	}
}

func TestKindStrings(t *testing.T) {
	cases := map[Kind]string{
		KindValidation:      "validation",
		KindNotFound:        "not_found",
		KindConflict:        "conflict",
		KindExternalProcess: "external_process",
		KindStorage:         "storage",
		KindConsistency:     "consistency",
		KindUnknown:         "unknown",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}
