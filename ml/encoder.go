package ml

import (
	"fmt"
	"sort"
)

// LabelEncoder assigns codes 0..n-1 to the sorted distinct values it was fit on, so the
// codes do not depend on input order.
type LabelEncoder struct {
	classes []string
	index   map[string]int
}

func FitLabelEncoder(values []string) *LabelEncoder {
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		seen[v] = struct{}{}
	}
	classes := make([]string, 0, len(seen))
	for v := range seen {
		classes = append(classes, v)
	}
	sort.Strings(classes)

	index := make(map[string]int, len(classes))
	for i, c := range classes {
		index[c] = i
	}
	return &LabelEncoder{classes: classes, index: index}
}

func (e *LabelEncoder) Encode(value string) (int, error) {
	code, ok := e.index[value]
	if !ok {
		return 0, fmt.Errorf("unknown label %q", value)
	}
	return code, nil
}

func (e *LabelEncoder) Decode(code int) (string, error) {
	if code < 0 || code >= len(e.classes) {
		return "", fmt.Errorf("label code %d out of range", code)
	}
	return e.classes[code], nil
}

func (e *LabelEncoder) Classes() []string {
	return append([]string(nil), e.classes...)
}

func (e *LabelEncoder) Len() int {
	return len(e.classes)
}
