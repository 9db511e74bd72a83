package chatbot

// Fuzzy duplicate detection for knowledge entries. New memory notes and
// world book entries are compared against existing rows before insertion,
// so the bot doesn't accumulate near-identical facts across conversations.

// Similarity returns a normalized similarity score in [0, 1] for two
// strings: 2*M / (len(a)+len(b)), where M is the total number of runes in
// the longest matching blocks common to both strings. Identical strings
// score 1.0, strings with nothing in common score 0.0. The measure is
// symmetric and deterministic.
func Similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	ar := []rune(a)
	br := []rune(b)
	total := len(ar) + len(br)
	if total == 0 {
		return 1.0
	}

	matches := matchingRunes(ar, br)
	return 2.0 * float64(matches) / float64(total)
}

// matchingRunes sums the sizes of the matching blocks between a and b,
// found by repeatedly taking the longest common block and recursing into
// the unmatched regions on either side of it.
func matchingRunes(a, b []rune) int {
	type region struct {
		alo, ahi, blo, bhi int
	}
	queue := []region{{0, len(a), 0, len(b)}}
	matched := 0

	for len(queue) > 0 {
		r := queue[len(queue)-1]
		queue = queue[:len(queue)-1]

		i, j, size := longestMatch(a, b, r.alo, r.ahi, r.blo, r.bhi)
		if size == 0 {
			continue
		}
		matched += size
		queue = append(
			queue,
			region{r.alo, i, r.blo, j},
			region{i + size, r.ahi, j + size, r.bhi},
		)
	}
	return matched
}

// longestMatch finds the longest block of runes common to a[alo:ahi] and
// b[blo:bhi], preferring the earliest such block in a (then in b) on ties,
// which keeps the result deterministic.
func longestMatch(a, b []rune, alo, ahi, blo, bhi int) (besti, bestj, bestsize int) {
	b2j := make(map[rune][]int, bhi-blo)
	for j := blo; j < bhi; j++ {
		b2j[b[j]] = append(b2j[b[j]], j)
	}

	besti, bestj = alo, blo
	j2len := map[int]int{}
	for i := alo; i < ahi; i++ {
		newJ2len := map[int]int{}
		for _, j := range b2j[a[i]] {
			k := j2len[j-1] + 1
			newJ2len[j] = k
			if k > bestsize {
				besti, bestj, bestsize = i-k+1, j-k+1, k
			}
		}
		j2len = newJ2len
	}
	return besti, bestj, bestsize
}

// IsDuplicate reports whether candidate is a near-duplicate of any string
// in existing, at or above the given similarity threshold. A threshold of
// zero or below disables duplicate checking entirely and always returns
// false - it must never be read as "everything is a duplicate".
func IsDuplicate(candidate string, existing []string, threshold float64) bool {
	if threshold <= 0 {
		return false
	}
	for _, e := range existing {
		if Similarity(candidate, e) >= threshold {
			return true
		}
	}
	return false
}
