// Package engine runs extraction, classification and in-place rewriting
// over a document tree.
package engine

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pbaille/toxfilter/internal/dom"
	"github.com/pbaille/toxfilter/internal/domain"
	"github.com/pbaille/toxfilter/internal/extractor"
	"github.com/pbaille/toxfilter/internal/profile"
)

// Classifier classifies text. Implementations must not fail.
type Classifier interface {
	Classify(ctx context.Context, text string) domain.ClassificationResult
}

// SettingsSource provides the live settings
type SettingsSource interface {
	Settings() domain.Settings
}

// Stats summarises one scan
type Stats struct {
	ScanID    string        `json:"scan_id"`
	Claimed   int           `json:"claimed"`
	Flagged   int           `json:"flagged"`
	Rewritten int           `json:"rewritten"`
	Duration  time.Duration `json:"duration"`
}

// Engine annotates a tree. Each node is processed at most once per Engine,
// however many scans run and however they overlap.
type Engine struct {
	classifier Classifier
	settings   SettingsSource
	profile    profile.Profile
	processed  *dom.ProcessedSet
	log        *slog.Logger
}

// New creates an engine for one platform profile
func New(c Classifier, settings SettingsSource, p profile.Profile, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		classifier: c,
		settings:   settings,
		profile:    p,
		processed:  dom.NewProcessedSet(),
		log:        logger.With("component", "engine", "platform", p.Name),
	}
}

// Profile returns the engine's platform profile
func (e *Engine) Profile() profile.Profile {
	return e.profile
}

// Processed returns the set of claimed nodes
func (e *Engine) Processed() *dom.ProcessedSet {
	return e.processed
}

// Scan processes every unclaimed fragment under root and waits for the
// results to be applied
func (e *Engine) Scan(ctx context.Context, root dom.Root) Stats {
	return e.Start(ctx, root).Wait()
}

// Start claims every unclaimed fragment under root, then classifies and
// rewrites them in the background. Claims are complete when Start returns.
func (e *Engine) Start(ctx context.Context, root dom.Root) *Pass {
	pass := &Pass{id: uuid.NewString(), started: time.Now()}

	if !e.settings.Settings().Enabled {
		return pass
	}

	for frag := range extractor.Extract(root, e.profile, e.processed, e.log) {
		if !e.processed.Claim(frag.Node.ID()) {
			continue
		}
		frag.Processed = true
		if m, ok := frag.Node.(dom.Marker); ok {
			m.MarkProcessed()
		}
		pass.claimed++

		pass.wg.Add(1)
		go func() {
			defer pass.wg.Done()
			e.process(ctx, pass, frag)
		}()
	}

	if pass.claimed > 0 {
		e.log.Info("processing new text elements", "scan_id", pass.id, "count", pass.claimed)
	}
	return pass
}

func (e *Engine) process(ctx context.Context, pass *Pass, frag domain.Fragment) {
	result := e.classifier.Classify(ctx, frag.RawText)
	if !result.IsToxic {
		return
	}
	pass.flagged.Add(1)

	n := e.rewrite(ctx, frag.Node, frag.RawText, result.CensoredText)
	pass.rewritten.Add(int64(n))

	e.log.Debug("censored text", "scan_id", pass.id, "node", frag.Node.ID(), "replacements", n)
}

// rewrite replaces the visible text of node. Simple nodes are replaced
// whole; nodes with nested structure only have their overlapping text leaves
// replaced, each after its own classification, so embedded controls survive.
func (e *Engine) rewrite(ctx context.Context, node dom.Node, original, censored string) int {
	children := node.Children()
	if len(children) == 0 || (len(children) == 1 && children[0].Kind() == dom.Leaf) {
		node.SetText(censored)
		return 1
	}

	replaced := 0
	for _, leaf := range textLeaves(children) {
		text := leaf.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}
		if !strings.Contains(original, text) && !strings.Contains(text, original) {
			continue
		}

		result := e.classifier.Classify(ctx, text)
		if result.IsToxic {
			leaf.SetText(result.CensoredText)
			replaced++
		}
	}
	return replaced
}

// textLeaves collects the text leaves below nodes, skipping editable subtrees
func textLeaves(nodes []dom.Node) []dom.Node {
	var leaves []dom.Node
	for _, n := range nodes {
		switch n.Kind() {
		case dom.Leaf:
			leaves = append(leaves, n)
		case dom.Container:
			leaves = append(leaves, textLeaves(n.Children())...)
		}
	}
	return leaves
}

// Pass is one in-flight scan
type Pass struct {
	id        string
	started   time.Time
	claimed   int
	wg        sync.WaitGroup
	flagged   atomic.Int64
	rewritten atomic.Int64
}

// ID returns the scan id
func (p *Pass) ID() string {
	return p.id
}

// Claimed returns the number of fragments this pass claimed
func (p *Pass) Claimed() int {
	return p.claimed
}

// Wait blocks until every claimed fragment has been handled
func (p *Pass) Wait() Stats {
	p.wg.Wait()
	return Stats{
		ScanID:    p.id,
		Claimed:   p.claimed,
		Flagged:   int(p.flagged.Load()),
		Rewritten: int(p.rewritten.Load()),
		Duration:  time.Since(p.started),
	}
}
