package checksum

import (
	"strings"
	"testing"
)

func TestSumVariantsAgree(t *testing.T) {
	const content = "---\ntitle: x\n---\nbody\n"
	want := Sum([]byte(content))
	if got := SumString(content); got != want {
		t.Errorf("SumString = %s, want %s", got, want)
	}
	got, n, err := SumReader(strings.NewReader(content))
	if err != nil {
		t.Fatal(err)
	}
	if got != want || n != int64(len(content)) {
		t.Errorf("SumReader = %s (%d bytes), want %s (%d)", got, n, want, len(content))
	}
	if len(want) != 64 {
		t.Errorf("digest length = %d", len(want))
	}
}
