package similarity

import (
	"maps"
	"math"
	"strings"
)

const (
	minGram = 3
	maxGram = 5
)

// charNgrams counts character n-grams built per word, with each word padded
// by a single space on both sides. A padded word no longer than n yields
// itself once and no longer grams.
func charNgrams(normalized string) map[string]int {
	counts := make(map[string]int)
	for _, w := range strings.Fields(normalized) {
		padded := []rune(" " + w + " ")
		for n := minGram; n <= maxGram; n++ {
			if len(padded) <= n {
				counts[string(padded)]++
				break
			}
			for i := 0; i+n <= len(padded); i++ {
				counts[string(padded[i:i+n])]++
			}
		}
	}
	return counts
}

// tfidfCosine fits a two-document TF-IDF model (smoothed idf, L2 norm) and
// returns the cosine similarity of the two vectors.
func tfidfCosine(a, b string) float64 {
	ca, cb := charNgrams(a), charNgrams(b)
	if len(ca) == 0 || len(cb) == 0 {
		return 0
	}
	if maps.Equal(ca, cb) {
		return 1
	}

	const nDocs = 2.0
	idf := func(gram string) float64 {
		df := 0.0
		if ca[gram] > 0 {
			df++
		}
		if cb[gram] > 0 {
			df++
		}
		return math.Log((1+nDocs)/(1+df)) + 1
	}

	var dot, na, nb float64
	for gram, tf := range ca {
		w := float64(tf) * idf(gram)
		na += w * w
		if tfb, ok := cb[gram]; ok {
			dot += w * float64(tfb) * idf(gram)
		}
	}
	for gram, tf := range cb {
		w := float64(tf) * idf(gram)
		nb += w * w
	}
	if na == 0 || nb == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return clamp01(cos)
}

func clamp01(x float64) float64 {
	if math.IsNaN(x) || x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
