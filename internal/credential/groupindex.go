package credential

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// GroupIndex resolves a model name to the owning group. Aliases are mostly
// exact strings, but a group may also register a prefix pattern ("gemini-*")
// to claim every model under a family without enumerating each one. Exact
// aliases resolve via a flat map; prefix aliases require a linear scan, so
// resolved results are cached in a bounded LRU to avoid re-scanning on
// repeat lookups.
type GroupIndex struct {
	exact    map[string]string
	prefixes []prefixRoute
	cache    *lru.Cache[string, string]
}

type prefixRoute struct {
	prefix string
	group  string
}

// GroupAliases pairs a group name with its configured model aliases, in the
// group's configured order — the order two groups can both claim the same
// exact alias and the first one listed wins.
type GroupAliases struct {
	Group   string
	Aliases []string
}

// NewGroupIndex builds an index from an ordered list of group alias sets. An
// alias ending in "*" is treated as a prefix route. Callers must pass groups
// in the same order as the configuration they came from, so that exact-alias
// ownership is deterministic across process restarts and reloads rather than
// depending on map iteration order.
func NewGroupIndex(groupAliases []GroupAliases, cacheSize int) (*GroupIndex, error) {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, err
	}

	gi := &GroupIndex{exact: make(map[string]string), cache: cache}
	for _, ga := range groupAliases {
		for _, alias := range ga.Aliases {
			if strings.HasSuffix(alias, "*") {
				gi.prefixes = append(gi.prefixes, prefixRoute{prefix: strings.TrimSuffix(alias, "*"), group: ga.Group})
				continue
			}
			if _, exists := gi.exact[alias]; !exists {
				gi.exact[alias] = ga.Group
			}
		}
	}
	return gi, nil
}

// GroupForModel returns the group owning model, and false if no group
// claims it (the caller then falls back to the unfiltered candidate set).
func (gi *GroupIndex) GroupForModel(model string) (string, bool) {
	if model == "" {
		return "", false
	}
	if group, ok := gi.exact[model]; ok {
		return group, true
	}
	if group, ok := gi.cache.Get(model); ok {
		return group, true
	}
	for _, route := range gi.prefixes {
		if strings.HasPrefix(model, route.prefix) {
			gi.cache.Add(model, route.group)
			return route.group, true
		}
	}
	return "", false
}
