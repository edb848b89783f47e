package extractor

import (
	"fmt"
	"hash/fnv"
	"math/bits"
	"strings"

	"golang.org/x/net/html"
)

// Fingerprint computes a 64-bit SimHash of the given text.
// Uses FNV-64a hash on word-level tokens with bit vector accumulation.
func Fingerprint(text string) uint64 {
	words := strings.Fields(text)
	if len(words) == 0 {
		return 0
	}

	var vector [64]int
	for _, word := range words {
		h := fnv.New64a()
		h.Write([]byte(strings.ToLower(word)))
		hash := h.Sum64()
		for i := 0; i < 64; i++ {
			if hash&(1<<uint(i)) != 0 {
				vector[i]++
			} else {
				vector[i]--
			}
		}
	}

	var fp uint64
	for i := 0; i < 64; i++ {
		if vector[i] > 0 {
			fp |= 1 << uint(i)
		}
	}
	return fp
}

// Distance returns the Hamming distance between two fingerprints.
func Distance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// Similar reports whether two fingerprints are within threshold bits.
func Similar(a, b uint64, threshold int) bool {
	return Distance(a, b) <= threshold
}

func fingerprintHex(text string) string {
	return fmt.Sprintf("%016x", Fingerprint(text))
}

// visibleText walks HTML with the tokenizer and returns the text outside
// script, style, noscript and template elements, whitespace-collapsed.
func visibleText(htmlStr string) string {
	z := html.NewTokenizer(strings.NewReader(htmlStr))
	var (
		b    strings.Builder
		skip int
	)
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case html.StartTagToken:
			if hiddenTag(z) {
				skip++
			}
		case html.EndTagToken:
			if hiddenTag(z) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
				b.WriteByte(' ')
			}
		}
	}
}

func hiddenTag(z *html.Tokenizer) bool {
	tn, _ := z.TagName()
	switch string(tn) {
	case "script", "style", "noscript", "template", "title":
		return true
	}
	return false
}
