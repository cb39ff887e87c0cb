package store

import (
	"regexp"
	"strconv"
	"testing"
)

// A placeholder the query text never references cannot be prepared: the
// server has no way to infer its type and rejects the statement. The
// dequeue query is the hot path, so its parameters are pinned here.
func TestDequeueQueryPlaceholders(t *testing.T) {
	re := regexp.MustCompile(`\$(\d+)`)
	seen := map[int]bool{}
	max := 0
	for _, match := range re.FindAllStringSubmatch(dequeueSQL, -1) {
		n, _ := strconv.Atoi(match[1])
		seen[n] = true
		if n > max {
			max = n
		}
	}
	// GetNextTask passes exactly one argument: the task-type filter.
	if max != 1 {
		t.Fatalf("dequeue query references up to $%d, expected only $1", max)
	}
	for n := 1; n <= max; n++ {
		if !seen[n] {
			t.Errorf("dequeue query never references $%d", n)
		}
	}
}
