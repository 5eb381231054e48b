// Package workitem loads the list of named work items (complexes) a pipeline
// stage operates on and resolves 1-based index windows over it.
package workitem

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	sdkerrors "github.com/wehubfusion/subtimizer/pkg/errors"
)

// Item is one named entry of the work list. Index is the 1-based position
// among non-blank lines and stays stable when a sub-range is selected.
type Item struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
}

// String renders the item as "name(#index)" for logs.
func (i Item) String() string {
	return fmt.Sprintf("%s(#%d)", i.Name, i.Index)
}

// Load reads a work list file.
func Load(path string) ([]Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open work list: %w", err)
	}
	defer f.Close()

	items, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("read work list %s: %w", path, err)
	}
	return items, nil
}

// Parse reads one name per line, ignoring blank lines.
func Parse(r io.Reader) ([]Item, error) {
	var items []Item
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		name := strings.TrimSpace(scanner.Text())
		if name == "" {
			continue
		}
		items = append(items, Item{Index: len(items) + 1, Name: name})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// Select returns items[start..end] inclusive using 1-based positions.
func Select(items []Item, start, end int) ([]Item, error) {
	total := len(items)
	if start < 1 || start > total || end < start || end > total {
		return nil, sdkerrors.NewRangeError(start, end, total)
	}
	selected := make([]Item, end-start+1)
	copy(selected, items[start-1:end])
	return selected, nil
}

// SelectFrom returns items[start..] for a window without an end. An empty
// list with start 1 selects nothing.
func SelectFrom(items []Item, start int) ([]Item, error) {
	if len(items) == 0 && start == 1 {
		return []Item{}, nil
	}
	return Select(items, start, len(items))
}

// Chunks partitions items into consecutive groups of size n; the last
// group may be shorter.
func Chunks(items []Item, n int) [][]Item {
	if n <= 0 {
		n = 1
	}
	chunks := make([][]Item, 0, (len(items)+n-1)/n)
	for i := 0; i < len(items); i += n {
		end := min(i+n, len(items))
		chunks = append(chunks, items[i:end])
	}
	return chunks
}
