// Package catalog validates requested database names against the allow-list.
package catalog

import (
	"net/http"
	"sort"

	"github.com/fgeck/pgdump-relay/internal/models"
)

// Catalog is the immutable set of databases that may be dumped.
type Catalog struct {
	names map[string]struct{}
	list  []string
}

// New creates a catalog from names. Duplicates are collapsed.
// Names are stored verbatim: no trimming or case folding.
func New(names []string) *Catalog {
	c := &Catalog{names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, dup := c.names[n]; dup {
			continue
		}
		c.names[n] = struct{}{}
		c.list = append(c.list, n)
	}
	sort.Strings(c.list)
	return c
}

// Validate allows name only if it is exactly a member of the catalog.
// An empty catalog denies everything.
func (c *Catalog) Validate(name string) models.Decision {
	if name == "" {
		return models.Deny(http.StatusBadRequest, models.ReasonMissingDB)
	}
	if _, ok := c.names[name]; !ok {
		return models.Deny(http.StatusBadRequest, models.ReasonDBNotAllowed)
	}
	return models.Allow()
}

// Names returns the allowed names in sorted order.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.list))
	copy(out, c.list)
	return out
}
