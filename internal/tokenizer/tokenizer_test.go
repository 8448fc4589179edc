package tokenizer

import (
	"testing"
)

func testVocab() Vocab {
	// Minimal vocabulary: single characters plus two merge products.
	tokens := []string{"<s>", "</s>", "h", "e", "l", "o", " ", "he", "ll"}
	scores := []float32{0, 0, 0, 0, 0, 0, 0, -1, -2}
	return Vocab{Tokens: tokens, Scores: scores, BOS: 0, EOS: 1}
}

func TestEncodeMerges(t *testing.T) {
	tok, err := New(testVocab())
	if err != nil {
		t.Fatal(err)
	}
	ids := tok.Encode("hello", false)
	// "h e l l o" -> "he" (score -1) then "ll" (score -2).
	want := []int{7, 8, 5}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}

func TestEncodeAddBOS(t *testing.T) {
	tok, err := New(testVocab())
	if err != nil {
		t.Fatal(err)
	}
	ids := tok.Encode("h", true)
	if len(ids) != 2 || ids[0] != 0 || ids[1] != 2 {
		t.Fatalf("ids = %v", ids)
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	tok, err := New(testVocab())
	if err != nil {
		t.Fatal(err)
	}
	text := "hello hello"
	ids := tok.Encode(text, false)
	if got := tok.Decode(ids); got != text {
		t.Fatalf("decode = %q, want %q", got, text)
	}
}

func TestBytePieces(t *testing.T) {
	tokens := []string{"<0x41>", "<0x42>"}
	scores := []float32{0, 0}
	tok, err := New(Vocab{Tokens: tokens, Scores: scores, BOS: -1, EOS: -1})
	if err != nil {
		t.Fatal(err)
	}
	ids := tok.Encode("AB", false)
	if len(ids) != 2 {
		t.Fatalf("ids = %v", ids)
	}
	if got := tok.Decode(ids); got != "AB" {
		t.Fatalf("decode = %q", got)
	}
}

func TestNewRejectsMismatchedScores(t *testing.T) {
	_, err := New(Vocab{Tokens: []string{"a"}, Scores: nil})
	if err == nil {
		t.Error("expected error")
	}
}
