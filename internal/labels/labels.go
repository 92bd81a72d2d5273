// Package labels loads the ordered class names the classifier was trained on.
package labels

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrEmpty is returned when a label file contains no class names.
var ErrEmpty = errors.New("label file contains no class names")

// Table is an ordered, read-only list of class names aligned with the
// classifier's output indices.
type Table struct {
	names []string
}

// Load reads a newline-delimited label file.
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open labels %s: %w", path, err)
	}
	defer f.Close()

	table, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("read labels %s: %w", path, err)
	}
	return table, nil
}

// Parse reads one class name per line. Surrounding whitespace is trimmed and
// the names themselves are kept verbatim, including any leading index such as
// "0 Maligno". A blank line inside the file still occupies its index so the
// table stays aligned with the model outputs; trailing blank lines are dropped.
func Parse(r io.Reader) (*Table, error) {
	var names []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		names = append(names, strings.TrimSpace(strings.TrimPrefix(scanner.Text(), "\ufeff")))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	for len(names) > 0 && names[len(names)-1] == "" {
		names = names[:len(names)-1]
	}
	if len(names) == 0 {
		return nil, ErrEmpty
	}
	return &Table{names: names}, nil
}

// New builds a table from names, mostly useful in tests.
func New(names ...string) *Table {
	return &Table{names: append([]string(nil), names...)}
}

// Len returns the number of classes. A nil table has none.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.names)
}

// At returns the class name at index i.
func (t *Table) At(i int) (string, bool) {
	if i < 0 || i >= t.Len() {
		return "", false
	}
	return t.names[i], true
}

// Names returns a copy of all class names in order.
func (t *Table) Names() []string {
	if t == nil {
		return nil
	}
	return append([]string(nil), t.names...)
}
