package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/pbaille/toxfilter/internal/dom"
	"github.com/pbaille/toxfilter/internal/domain"
	"github.com/pbaille/toxfilter/internal/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSettings struct{ enabled bool }

func (s stubSettings) Settings() domain.Settings {
	return domain.Settings{Enabled: s.enabled, APIEndpoint: "http://stub"}
}

// stubClassifier flags the texts in its verdict table and counts calls
type stubClassifier struct {
	mu       sync.Mutex
	verdicts map[string]string
	calls    map[string]int
	gate     chan struct{}
}

func newStub(verdicts map[string]string) *stubClassifier {
	return &stubClassifier{verdicts: verdicts, calls: make(map[string]int)}
}

func (s *stubClassifier) Classify(ctx context.Context, text string) domain.ClassificationResult {
	if s.gate != nil {
		<-s.gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[text]++

	if censored, ok := s.verdicts[text]; ok {
		return domain.ClassificationResult{CensoredText: censored, IsToxic: true}
	}
	return domain.FailOpen(text)
}

func (s *stubClassifier) callCount(text string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[text]
}

func (s *stubClassifier) totalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.calls {
		total += n
	}
	return total
}

var testProfile = profile.Profile{Name: "test", TextContainerSelector: ".c"}

func parse(t *testing.T, src string) *dom.Document {
	t.Helper()
	doc, err := dom.ParseHTMLString(src)
	require.NoError(t, err)
	return doc
}

func query(t *testing.T, doc *dom.Document, sel string) []dom.Node {
	t.Helper()
	nodes, err := doc.Query(sel)
	require.NoError(t, err)
	return nodes
}

func TestScan_EndToEnd(t *testing.T) {
	doc := parse(t, `<div class="c">you are an idiot</div>`)
	clf := newStub(map[string]string{"you are an idiot": "you are a ****"})
	e := New(clf, stubSettings{enabled: true}, testProfile, nil)

	stats := e.Scan(context.Background(), doc)

	node := query(t, doc, ".c")[0]
	assert.Equal(t, "you are a ****", node.Text())
	assert.True(t, e.Processed().Contains(node.ID()))
	assert.Equal(t, 1, stats.Claimed)
	assert.Equal(t, 1, stats.Flagged)
	assert.Equal(t, 1, stats.Rewritten)
	assert.NotEmpty(t, stats.ScanID)
	assert.Contains(t, doc.String(), `data-toxicity-processed="true"`)
}

func TestScan_Idempotent(t *testing.T) {
	doc := parse(t, `<div class="c">you are an idiot</div><div class="c">what a lovely day</div>`)
	clf := newStub(map[string]string{"you are an idiot": "you are a ****"})
	e := New(clf, stubSettings{enabled: true}, testProfile, nil)

	first := e.Scan(context.Background(), doc)
	calls := clf.totalCalls()
	second := e.Scan(context.Background(), doc)

	assert.Equal(t, 2, first.Claimed)
	assert.Equal(t, 0, second.Claimed)
	assert.Equal(t, calls, clf.totalCalls())
	assert.NotEqual(t, first.ScanID, second.ScanID)
}

func TestScan_NewContentAfterFirstScan(t *testing.T) {
	doc := parse(t, `<div id="feed"><div class="c">first comment here</div></div>`)
	clf := newStub(nil)
	e := New(clf, stubSettings{enabled: true}, testProfile, nil)

	assert.Equal(t, 1, e.Scan(context.Background(), doc).Claimed)

	require.NoError(t, doc.AppendHTML("#feed", `<div class="c">a later comment</div>`))

	assert.Equal(t, 1, e.Scan(context.Background(), doc).Claimed)
	assert.Equal(t, 0, e.Scan(context.Background(), doc).Claimed)
	assert.Equal(t, 1, clf.callCount("a later comment"))
}

func TestScan_ConcurrentScansClaimOnce(t *testing.T) {
	doc := parse(t, `<div class="c">you are an idiot</div>`)
	clf := newStub(map[string]string{"you are an idiot": "you are a ****"})
	clf.gate = make(chan struct{})
	e := New(clf, stubSettings{enabled: true}, testProfile, nil)

	var wg sync.WaitGroup
	passes := make([]*Pass, 2)
	for i := range passes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			passes[i] = e.Start(context.Background(), doc)
		}()
	}
	wg.Wait()
	close(clf.gate)

	claimed := 0
	for _, p := range passes {
		claimed += p.Wait().Claimed
	}

	assert.Equal(t, 1, claimed)
	assert.Equal(t, 1, clf.callCount("you are an idiot"))
	assert.Equal(t, "you are a ****", query(t, doc, ".c")[0].Text())
}

func TestScan_PreservesStructure(t *testing.T) {
	doc := parse(t, `<div class="c">bad word here<button aria-label="like">Reply</button></div>`)
	clf := newStub(map[string]string{
		"bad word hereReply": "*** word here*****",
		"bad word here":      "*** word here",
	})
	e := New(clf, stubSettings{enabled: true}, testProfile, nil)

	stats := e.Scan(context.Background(), doc)

	assert.Equal(t, 1, stats.Flagged)
	assert.Equal(t, 1, stats.Rewritten)
	assert.Equal(t, 1, clf.callCount("bad word here"))
	assert.Equal(t, 1, clf.callCount("Reply"), "overlapping leaves are classified independently")
	assert.Contains(t, doc.String(),
		`<div class="c" data-toxicity-processed="true">*** word here<button aria-label="like">Reply</button></div>`)
}

func TestScan_NestedLeavesReplacedIndividually(t *testing.T) {
	doc := parse(t, `<p class="c"><b>you are an idiot</b> <i>indeed</i></p>`)
	clf := newStub(map[string]string{
		"you are an idiot indeed": "you are a **** indeed",
		"you are an idiot":        "you are a ****",
	})
	e := New(clf, stubSettings{enabled: true}, testProfile, nil)

	e.Scan(context.Background(), doc)

	assert.Contains(t, doc.String(), `<b>you are a ****</b> <i>indeed</i>`)
	assert.Equal(t, 0, clf.callCount(" "), "blank leaves are skipped")
}

func TestScan_SingleTextChildReplacedWhole(t *testing.T) {
	doc := parse(t, `<span class="c">  you are an idiot  </span>`)
	clf := newStub(map[string]string{"you are an idiot": "you are a ****"})
	e := New(clf, stubSettings{enabled: true}, testProfile, nil)

	e.Scan(context.Background(), doc)

	assert.Equal(t, "you are a ****", query(t, doc, ".c")[0].Text())
}

func TestScan_NonToxicUntouched(t *testing.T) {
	src := `<div class="c">have a <b>nice</b> day</div>`
	doc := parse(t, src)
	clf := newStub(nil)
	e := New(clf, stubSettings{enabled: true}, testProfile, nil)

	stats := e.Scan(context.Background(), doc)

	assert.Equal(t, 1, stats.Claimed)
	assert.Equal(t, 0, stats.Flagged)
	assert.Equal(t, "have a nice day", query(t, doc, ".c")[0].Text())
}

func TestScan_Disabled(t *testing.T) {
	doc := parse(t, `<div class="c">you are an idiot</div>`)
	clf := newStub(map[string]string{"you are an idiot": "you are a ****"})
	e := New(clf, stubSettings{enabled: false}, testProfile, nil)

	stats := e.Scan(context.Background(), doc)

	assert.Equal(t, 0, stats.Claimed)
	assert.Equal(t, 0, clf.totalCalls())
	assert.Equal(t, 0, e.Processed().Len())
}
