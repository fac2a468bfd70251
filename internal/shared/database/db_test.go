package database

import "testing"

func TestHashAPIKey(t *testing.T) {
	t.Parallel()

	got := HashAPIKey("abc")
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got != want {
		t.Fatalf("HashAPIKey(abc) = %s, want %s", got, want)
	}
	if HashAPIKey("abc") != got {
		t.Fatal("hash is not deterministic")
	}
	if HashAPIKey("abd") == got {
		t.Fatal("different keys hash equal")
	}
}
