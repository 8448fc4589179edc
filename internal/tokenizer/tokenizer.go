// Package tokenizer implements the sentencepiece-style BPE tokenizer whose
// vocabulary and merge scores ship inside the model file.
package tokenizer

import (
	"fmt"
	"strings"
)

// Vocab is the tokenizer payload extracted from a model file: one piece per
// token id, a merge score per piece, and the special token ids.
type Vocab struct {
	Tokens []string
	Scores []float32
	BOS    int
	EOS    int
}

// Tokenizer encodes text to token ids and back using greedy best-score
// merging over the vocabulary.
type Tokenizer struct {
	vocab Vocab
	index map[string]int
}

// New builds a Tokenizer from a vocabulary.
func New(vocab Vocab) (*Tokenizer, error) {
	if len(vocab.Tokens) == 0 {
		return nil, fmt.Errorf("empty vocabulary")
	}
	if len(vocab.Scores) != len(vocab.Tokens) {
		return nil, fmt.Errorf("got %d scores for %d tokens", len(vocab.Scores), len(vocab.Tokens))
	}
	index := make(map[string]int, len(vocab.Tokens))
	for i, tok := range vocab.Tokens {
		if tok == "" {
			continue
		}
		if _, dup := index[tok]; !dup {
			index[tok] = i
		}
	}
	return &Tokenizer{vocab: vocab, index: index}, nil
}

// VocabSize returns the number of token ids.
func (t *Tokenizer) VocabSize() int {
	return len(t.vocab.Tokens)
}

// BOS returns the beginning-of-sequence token id, or -1 if absent.
func (t *Tokenizer) BOS() int { return t.vocab.BOS }

// EOS returns the end-of-sequence token id, or -1 if absent.
func (t *Tokenizer) EOS() int { return t.vocab.EOS }

// Encode maps text to token ids. Each UTF-8 character starts as its own
// piece (falling back to <0xXX> byte pieces for characters outside the
// vocabulary); adjacent pieces are then merged greedily, always taking the
// highest-scoring merge available.
func (t *Tokenizer) Encode(text string, addBOS bool) []int {
	var ids []int
	if addBOS && t.vocab.BOS >= 0 {
		ids = append(ids, t.vocab.BOS)
	}

	for _, r := range text {
		piece := string(r)
		if id, ok := t.index[piece]; ok {
			ids = append(ids, id)
			continue
		}
		for _, b := range []byte(piece) {
			if id, ok := t.index[fmt.Sprintf("<0x%02X>", b)]; ok {
				ids = append(ids, id)
			}
		}
	}

	for {
		bestScore := float32(-1e10)
		bestID := -1
		bestAt := -1
		for i := 0; i+1 < len(ids); i++ {
			merged := t.vocab.Tokens[ids[i]] + t.vocab.Tokens[ids[i+1]]
			id, ok := t.index[merged]
			if !ok {
				continue
			}
			if t.vocab.Scores[id] > bestScore {
				bestScore = t.vocab.Scores[id]
				bestID = id
				bestAt = i
			}
		}
		if bestAt < 0 {
			return ids
		}
		ids[bestAt] = bestID
		ids = append(ids[:bestAt+1], ids[bestAt+2:]...)
	}
}

// Decode maps token ids back to text. <0xXX> byte pieces are folded back
// into raw bytes; special ids outside the vocabulary are skipped.
func (t *Tokenizer) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(t.vocab.Tokens) {
			continue
		}
		piece := t.vocab.Tokens[id]
		if b, ok := bytePiece(piece); ok {
			sb.WriteByte(b)
			continue
		}
		sb.WriteString(piece)
	}
	return sb.String()
}

// Piece returns the raw vocabulary entry for a token id.
func (t *Tokenizer) Piece(id int) string {
	if id < 0 || id >= len(t.vocab.Tokens) {
		return ""
	}
	return t.vocab.Tokens[id]
}

func bytePiece(piece string) (byte, bool) {
	if len(piece) != 6 || !strings.HasPrefix(piece, "<0x") || piece[5] != '>' {
		return 0, false
	}
	var b byte
	for _, c := range piece[3:5] {
		var v byte
		switch {
		case c >= '0' && c <= '9':
			v = byte(c - '0')
		case c >= 'A' && c <= 'F':
			v = byte(c-'A') + 10
		case c >= 'a' && c <= 'f':
			v = byte(c-'a') + 10
		default:
			return 0, false
		}
		b = b<<4 | v
	}
	return b, true
}
