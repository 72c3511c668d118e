package transcript

// match is a common run a[A:A+Size] == b[B:B+Size].
type match struct {
	A, B, Size int
}

// longestMatch finds the longest run shared by a[alo:ahi] and b[blo:bhi].
// Among equally long runs it returns the one ending earliest in a, then
// earliest in b. Runs of length zero report Size 0.
func longestMatch(a, b []rune, alo, ahi, blo, bhi int) match {
	best := match{A: alo, B: blo}
	if alo >= ahi || blo >= bhi {
		return best
	}
	width := bhi - blo
	prev := make([]int, width+1)
	curr := make([]int, width+1)
	for i := alo; i < ahi; i++ {
		for j := blo; j < bhi; j++ {
			col := j - blo + 1
			if a[i] != b[j] {
				curr[col] = 0
				continue
			}
			k := prev[col-1] + 1
			curr[col] = k
			if k > best.Size {
				best = match{A: i - k + 1, B: j - k + 1, Size: k}
			}
		}
		prev, curr = curr, prev
	}
	return best
}

// matchingBlocks returns the non-overlapping common runs of a and b found by
// recursively taking the longest match and searching either side of it.
func matchingBlocks(a, b []rune) []match {
	type span struct{ alo, ahi, blo, bhi int }
	queue := []span{{0, len(a), 0, len(b)}}
	var blocks []match
	for len(queue) > 0 {
		s := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		m := longestMatch(a, b, s.alo, s.ahi, s.blo, s.bhi)
		if m.Size == 0 {
			continue
		}
		blocks = append(blocks, m)
		if s.alo < m.A && s.blo < m.B {
			queue = append(queue, span{s.alo, m.A, s.blo, m.B})
		}
		if m.A+m.Size < s.ahi && m.B+m.Size < s.bhi {
			queue = append(queue, span{m.A + m.Size, s.ahi, m.B + m.Size, s.bhi})
		}
	}
	return blocks
}

// Ratio reports the similarity of a and b in [0, 1] as 2*M/T, where M is the
// number of runes in matching blocks and T the total rune count.
func Ratio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	total := len(ra) + len(rb)
	if total == 0 {
		return 1.0
	}
	matched := 0
	for _, m := range matchingBlocks(ra, rb) {
		matched += m.Size
	}
	return 2.0 * float64(matched) / float64(total)
}
