package insight

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"hetu/internal/journal"
)

var (
	stressWords   = []string{"stress", "anxious", "anxiety", "worried", "overwhelm", "exhausted", "frustrat", "angry", "upset"}
	positiveWords = []string{"happy", "grateful", "great", "calm", "excited", "proud", "relaxed", "motivated", "joy"}
	moodWords     = []string{"good", "great", "energetic", "happy", "better", "amazing", "positive", "motivated", "calm"}
	troubleWords  = []string{"bad", "poor", "late", "insomnia", "couldn't", "could not", "restless", "woke up", "little"}
	fatigueWords  = []string{"tired", "exhausted", "fatigue", "drained", "sleepy", "groggy", "low energy"}
)

// Heuristics runs the rule-based analysis. The result depends only on d
// and is never empty unless d is.
func Heuristics(d Data) []journal.Insight {
	if d.Empty() {
		return nil
	}

	var out []journal.Insight
	for _, rule := range []func(Data) (journal.Insight, bool){
		weeklyRhythm,
		sentiment,
		exerciseMood,
		sleepQuality,
		balancedTracking,
	} {
		if in, ok := rule(d); ok {
			out = append(out, in)
		}
	}
	if len(out) == 0 {
		out = append(out, summary(d))
	}
	return out
}

// weeklyRhythm compares the busiest and quietest weekday among the days the
// user logged actions on. Ties go to the earlier weekday, Sunday first.
func weeklyRhythm(d Data) (journal.Insight, bool) {
	var counts [7]int
	total := 0
	for _, a := range d.Actions {
		day, err := journal.ParseDay(a.Date)
		if err != nil {
			continue
		}
		counts[day.Weekday()]++
		total++
	}

	busiest, quietest := -1, -1
	for wd, n := range counts {
		if n == 0 {
			continue
		}
		if busiest < 0 || n > counts[busiest] {
			busiest = wd
		}
		if quietest < 0 || n < counts[quietest] {
			quietest = wd
		}
	}
	if busiest < 0 || busiest == quietest {
		return journal.Insight{}, false
	}

	conf := journal.ConfidenceLow
	if total >= 14 {
		conf = journal.ConfidenceMedium
	}
	return journal.Insight{
		Title: "Weekly Rhythm",
		Description: fmt.Sprintf("You're most active on %ss (%d actions) and least active on %ss (%d).",
			time.Weekday(busiest), counts[busiest], time.Weekday(quietest), counts[quietest]),
		Emoji:       "📅",
		Confidence:  conf,
		Occurrences: counts[busiest],
	}, true
}

// sentiment counts stress and positive words across the user's journal
// lines. A side needs at least 3 hits and more than the other to count.
func sentiment(d Data) (journal.Insight, bool) {
	var stress, positive int
	for _, m := range d.Messages {
		text := strings.ToLower(m.Text)
		stress += hits(text, stressWords)
		positive += hits(text, positiveWords)
	}

	switch {
	case stress >= 3 && stress > positive:
		return journal.Insight{
			Title:       "Stress Pattern",
			Description: fmt.Sprintf("Stress-related words came up %d times in your journal. It may help to notice what comes before those days.", stress),
			Emoji:       "😟",
			Confidence:  journal.ConfidenceMedium,
			Occurrences: stress,
		}, true
	case positive >= 3 && positive > stress:
		return journal.Insight{
			Title:       "Positive Momentum",
			Description: fmt.Sprintf("Positive words came up %d times in your journal. Whatever you're doing seems to be working.", positive),
			Emoji:       "🌟",
			Confidence:  journal.ConfidenceMedium,
			Occurrences: positive,
		}, true
	}
	return journal.Insight{}, false
}

// exerciseMood reports how many exercise days also had a positive outcome.
// The percentage is rounded down.
func exerciseMood(d Data) (journal.Insight, bool) {
	days := make(map[string]bool)
	for _, a := range d.Actions {
		if strings.Contains(strings.ToLower(a.Category), "exercise") {
			days[a.Date] = true
		}
	}

	good := make(map[string]bool)
	for _, o := range d.Outcomes {
		if days[o.Date] && hits(strings.ToLower(o.Description), moodWords) > 0 {
			good[o.Date] = true
		}
	}
	if len(days) < 3 || len(good) < 2 {
		return journal.Insight{}, false
	}

	pct := len(good) * 100 / len(days)
	conf := journal.ConfidenceMedium
	if len(days) >= 7 && pct >= 70 {
		conf = journal.ConfidenceHigh
	}
	return journal.Insight{
		Title: "Exercise Boosts Your Mood",
		Description: fmt.Sprintf("On about %d%% of the days you exercised (%d of %d), you also reported feeling good.",
			pct, len(good), len(days)),
		Emoji:          "🏃",
		Confidence:     conf,
		ActionCategory: ptr("Exercise"),
		Occurrences:    len(good),
	}, true
}

// sleepQuality looks for tired outcomes on days the user logged poor sleep.
func sleepQuality(d Data) (journal.Insight, bool) {
	days := make(map[string]bool)
	for _, a := range d.Actions {
		if strings.Contains(strings.ToLower(a.Category), "sleep") && hits(strings.ToLower(a.Description), troubleWords) > 0 {
			days[a.Date] = true
		}
	}

	bad := make(map[string]bool)
	for _, o := range d.Outcomes {
		if days[o.Date] && hits(strings.ToLower(o.Description), fatigueWords) > 0 {
			bad[o.Date] = true
		}
	}
	if len(days) < 2 || len(bad) < 1 {
		return journal.Insight{}, false
	}

	conf := journal.ConfidenceLow
	if len(bad) >= 2 {
		conf = journal.ConfidenceMedium
	}
	return journal.Insight{
		Title: "Sleep Affects Your Energy",
		Description: fmt.Sprintf("On %d of the %d days you slept poorly, you also felt tired or drained.",
			len(bad), len(days)),
		Emoji:          "😴",
		Confidence:     conf,
		ActionCategory: ptr("Sleep"),
		Occurrences:    len(bad),
	}, true
}

func balancedTracking(d Data) (journal.Insight, bool) {
	cats := ranked(actionCategories(d))
	if len(cats) < 5 {
		return journal.Insight{}, false
	}
	return journal.Insight{
		Title:       "Balanced Tracking",
		Description: fmt.Sprintf("You're tracking %d different areas of your life, including %s.", len(cats), strings.Join(cats[:4], ", ")),
		Emoji:       "⚖️",
		Confidence:  journal.ConfidenceHigh,
		Occurrences: len(cats),
	}, true
}

// summary is the rule of last resort: it always produces an insight.
func summary(d Data) journal.Insight {
	desc := fmt.Sprintf("So far you've logged %d actions, %d outcomes and %d journal entries.",
		len(d.Actions), len(d.Outcomes), len(d.Messages))

	in := journal.Insight{
		Title:       "Your Data Summary",
		Emoji:       "📝",
		Confidence:  journal.ConfidenceNeedsData,
		Occurrences: len(d.Actions) + len(d.Outcomes) + len(d.Messages),
	}
	if cats := ranked(actionCategories(d)); len(cats) > 0 {
		desc += fmt.Sprintf(" Your most tracked action is %s.", cats[0])
		in.ActionCategory = ptr(cats[0])
	}

	outcomes := make(map[string]int)
	for _, o := range d.Outcomes {
		if c := strings.TrimSpace(o.Category); c != "" {
			outcomes[c]++
		}
	}
	if cats := ranked(outcomes); len(cats) > 0 {
		desc += fmt.Sprintf(" Your most tracked outcome is %s.", cats[0])
		in.OutcomeCategory = ptr(cats[0])
	}

	in.Description = desc + " Keep logging to uncover patterns."
	return in
}

func actionCategories(d Data) map[string]int {
	counts := make(map[string]int)
	for _, a := range d.Actions {
		if c := strings.TrimSpace(a.Category); c != "" {
			counts[c]++
		}
	}
	return counts
}

// ranked orders keys by count, most frequent first, then by name.
func ranked(counts map[string]int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	return keys
}

// hits counts how many of words occur in text.
func hits(text string, words []string) int {
	n := 0
	for _, w := range words {
		if strings.Contains(text, w) {
			n++
		}
	}
	return n
}

func ptr[T any](v T) *T { return &v }
