package insight

import (
	"fmt"
	"regexp"
	"strings"

	"hetu/internal/journal"
)

const (
	titleLimit = 50
	descLimit  = 300
	emojiLimit = 4

	defaultEmoji = "💡"
)

// Parsed is one pattern block read from model output.
type Parsed struct {
	Title       string
	Emoji       string
	Description string
	Confidence  journal.Confidence
}

func (p Parsed) Insight() journal.Insight {
	return journal.Insight{
		Title:       p.Title,
		Description: p.Description,
		Emoji:       p.Emoji,
		Confidence:  p.Confidence,
		Occurrences: 1,
	}
}

// BuildPrompt renders the digest and the block format the model must
// answer in.
func BuildPrompt(d Data) string {
	var b strings.Builder

	b.WriteString("Analyze this personal wellness journal and find up to 5 patterns between what the user does and how they feel.\n\n")

	b.WriteString("ACTIONS:\n")
	for _, a := range d.Actions {
		fmt.Fprintf(&b, "%s: %s - %s\n", a.Date, a.Category, oneLine(a.Description))
	}
	b.WriteString("\nOUTCOMES:\n")
	for _, o := range d.Outcomes {
		fmt.Fprintf(&b, "%s: %s - %s", o.Date, o.Category, oneLine(o.Description))
		if o.Rating != nil {
			fmt.Fprintf(&b, " (rating %+d)", *o.Rating)
		}
		b.WriteByte('\n')
	}
	b.WriteString("\nJOURNAL:\n")
	for _, m := range d.Messages {
		fmt.Fprintf(&b, "%s: %s\n", journal.DayOf(m.CreatedAt), oneLine(m.Text))
	}

	b.WriteString(`
Respond with up to 5 blocks in exactly this format, separated by a line of dashes:
TITLE: short title
EMOJI: one emoji
INSIGHT: one or two sentences describing the pattern
CONFIDENCE: high, medium, low or needs_data
---
`)
	return b.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// lead matches list and markdown decoration before a label, as in
// "1. TITLE:" or "**TITLE**:".
const lead = `\W*(?:\d+[.)]\W*)?`

var (
	delimRe      = regexp.MustCompile(`(?m)^\s*-{3,}\s*$`)
	titleRe      = regexp.MustCompile(`(?im)^` + lead + `TITLE\W*:[ \t]*(.+)$`)
	emojiRe      = regexp.MustCompile(`(?im)^` + lead + `EMOJI\W*:[ \t]*(.*)$`)
	insightRe    = regexp.MustCompile(`(?is)(?:^|\n)` + lead + `INSIGHT\W*:\s*(.*?)\s*(?:\n` + lead + `(?:CONFIDENCE|TITLE|EMOJI)\W*:|\z)`)
	confidenceRe = regexp.MustCompile(`(?im)^` + lead + `CONFIDENCE\W*:[ \t]*(.*)$`)
)

// ParseInsights splits model output into blocks and reads each one. The
// result has one entry per block; blocks without a title are nil. Missing
// or unknown confidence reads as medium.
func ParseInsights(text string) []*Parsed {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var out []*Parsed
	for _, block := range delimRe.Split(text, -1) {
		if strings.TrimSpace(block) == "" {
			continue
		}
		out = append(out, parseBlock(block))
	}
	return out
}

func parseBlock(block string) *Parsed {
	title := clean(submatch(titleRe, block))
	if title == "" {
		return nil
	}

	p := &Parsed{
		Title:       truncate(title, titleLimit),
		Emoji:       truncate(strings.TrimSpace(submatch(emojiRe, block)), emojiLimit),
		Description: truncate(oneLine(submatch(insightRe, block)), descLimit),
		Confidence:  journal.ParseConfidence(clean(submatch(confidenceRe, block))),
	}
	if p.Emoji == "" {
		p.Emoji = defaultEmoji
	}
	return p
}

func submatch(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// clean strips markdown emphasis and quotes models like to add.
func clean(s string) string {
	return strings.Trim(strings.TrimSpace(s), "*_\"'`# ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n]))
}
