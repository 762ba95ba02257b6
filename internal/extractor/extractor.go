// Package extractor finds unprocessed text-bearing nodes in a tree.
package extractor

import (
	"iter"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/pbaille/toxfilter/internal/dom"
	"github.com/pbaille/toxfilter/internal/domain"
	"github.com/pbaille/toxfilter/internal/profile"
)

// Extract yields the candidate fragments under root. The sequence is lazy and
// can be ranged over again for a fresh pass. Nodes already in processed,
// editable nodes and nodes with too little text are skipped. Extract does
// not claim anything; callers claim each fragment before classifying it.
// Queries that fail are logged to logger and skipped.
func Extract(root dom.Root, p profile.Profile, processed *dom.ProcessedSet, logger *slog.Logger) iter.Seq[domain.Fragment] {
	if logger == nil {
		logger = slog.Default()
	}
	return func(yield func(domain.Fragment) bool) {
		seen := make(map[dom.NodeID]struct{})

		for _, q := range p.Queries() {
			nodes, err := root.Query(q.Selector)
			if err != nil {
				logger.Warn("skipping query", "profile", p.Name, "selector", q.Selector, "error", err)
				continue
			}

			for _, n := range nodes {
				id := n.ID()
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}

				if processed.Contains(id) || n.Kind() == dom.Editable {
					continue
				}

				text := strings.TrimSpace(n.Text())
				if utf8.RuneCountInString(text) < q.MinLength {
					continue
				}

				frag := domain.Fragment{
					Key:     domain.FingerprintOf(text),
					RawText: text,
					Node:    n,
				}
				if !yield(frag) {
					return
				}
			}
		}
	}
}
