package extractor

import (
	"strconv"
	"strings"

	"github.com/ysmood/gson"
)

// jsonLookup resolves a dot-separated path such as "items.*.url" or
// "data.0.title". "*" expands every element of an array. A leading "$" is
// ignored.
func jsonLookup(root gson.JSON, path string) []gson.JSON {
	cur := []gson.JSON{root}
	for _, sec := range strings.Split(strings.TrimPrefix(path, "$"), ".") {
		if sec == "" {
			continue
		}
		var next []gson.JSON
		for _, j := range cur {
			switch v := j.Val().(type) {
			case []any:
				if sec == "*" {
					next = append(next, j.Arr()...)
					continue
				}
				if i, err := strconv.Atoi(sec); err == nil && i >= 0 && i < len(v) {
					if child, ok := j.Gets(i); ok {
						next = append(next, child)
					}
				}
			case map[string]any:
				if child, ok := j.Gets(sec); ok {
					next = append(next, child)
				}
			}
		}
		if len(next) == 0 {
			return nil
		}
		cur = next
	}
	return cur
}
