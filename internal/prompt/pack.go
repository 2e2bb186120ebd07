// SPDX-License-Identifier: MIT

package prompt

import (
	"fmt"
	"strings"
)

// summaryHeader prefixes the running summary when it is injected as a
// synthetic system message.
const summaryHeader = "Summary of the conversation so far:\n"

const (
	summaryShrinkRatio    = 0.5
	summaryFloorChars     = 200
	bulletMaxChars        = 160
	rollupPeelFraction    = 0.2
	tailTrimMinChars      = charsPerToken
	defaultSummaryMaxCap  = 2000
	defaultRollupMinPeel  = 3
	defaultRollupMaxPeel  = 12
	defaultSkipThresholdT = 96
)

// PackOptions carries the packing knobs resolved from settings.
type PackOptions struct {
	// SystemPreamble, when non-empty, becomes the first packed
	// message.
	SystemPreamble string
	// Summary is the running conversation summary carried between
	// turns.
	Summary string
	// InputBudget is the token budget for the packed prompt.
	InputBudget int
	// SkipThresholdTokens is how far over budget the packed list may
	// run before a roll-up is attempted.
	SkipThresholdTokens int
	// SummaryMaxChars caps the merged running summary.
	SummaryMaxChars int
	// RollupMin and RollupMax bound how many messages one roll-up
	// peels.
	RollupMin, RollupMax int
}

func (o *PackOptions) fillDefaults() {
	if o.SkipThresholdTokens <= 0 {
		o.SkipThresholdTokens = defaultSkipThresholdT
	}
	if o.SummaryMaxChars <= 0 {
		o.SummaryMaxChars = defaultSummaryMaxCap
	}
	if o.RollupMin <= 0 {
		o.RollupMin = defaultRollupMinPeel
	}
	if o.RollupMax < o.RollupMin {
		o.RollupMax = defaultRollupMaxPeel
	}
}

// PackResult is the packed prompt plus what packing did to get there.
type PackResult struct {
	Packed []Message
	// Summary is the (possibly updated) running summary to persist.
	Summary string
	// RolledUp counts messages peeled into the summary this pack.
	RolledUp int
	// Dropped counts messages discarded by the safety trim.
	Dropped int
	// SummaryRemoved notes that the trim had to discard the summary.
	SummaryRemoved bool
	// EstTokens is the final packed-prompt estimate.
	EstTokens int
}

// Pack assembles system preamble + summary header + recent tail and
// forces the result under opts.InputBudget: first one roll-up of the
// oldest messages into the running summary, then the safety trim.
func Pack(recent []Message, opts PackOptions) PackResult {
	opts.fillDefaults()

	res := PackResult{Summary: opts.Summary}
	tail := make([]Message, len(recent))
	copy(tail, recent)

	build := func() []Message {
		packed := make([]Message, 0, len(tail)+2)
		if opts.SystemPreamble != "" {
			packed = append(packed, Message{Role: "system", Content: opts.SystemPreamble})
		}
		if res.Summary != "" {
			packed = append(packed, Message{Role: "system", Content: summaryHeader + res.Summary})
		}
		packed = append(packed, tail...)
		return packed
	}

	packed := build()
	est := EstimateConversationTokens(packed)

	// Roll-up: one pass, only when meaningfully over budget.
	if est > opts.InputBudget+opts.SkipThresholdTokens && len(tail) > 1 {
		target := (len(tail)*2 + 9) / 10 // ceil(len*0.2)
		target = clampInt(target, opts.RollupMin, opts.RollupMax)
		if target > len(tail)-1 {
			target = len(tail) - 1 // keep at least the newest message
		}
		if target > 0 {
			peeled := tail[:target]
			tail = tail[target:]
			res.Summary = mergeSummary(res.Summary, summarizeBullets(peeled), opts.SummaryMaxChars)
			res.RolledUp = target
			packed = build()
			est = EstimateConversationTokens(packed)
		}
	}

	// Safety trim, in escalation order.
	for est > opts.InputBudget {
		switch {
		case len(tail) > 1:
			tail = tail[1:]
			res.Dropped++
		case res.Summary != "":
			if next, ok := shrinkSummary(res.Summary); ok {
				res.Summary = next
			} else {
				res.Summary = ""
				res.SummaryRemoved = true
			}
		default:
			// Last resort: truncate the newest message content to
			// whatever budget remains.
			tail = trimTailContent(tail, opts.InputBudget, opts.SystemPreamble)
			packed = build()
			est = EstimateConversationTokens(packed)
			res.Packed = packed
			res.EstTokens = est
			return res
		}
		packed = build()
		est = EstimateConversationTokens(packed)
	}

	res.Packed = packed
	res.EstTokens = est
	return res
}

// summarizeBullets renders peeled messages as one heuristic bullet
// each, newline-flattened and length-capped.
func summarizeBullets(msgs []Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		content := strings.Join(strings.Fields(m.Content), " ")
		if len(content) > bulletMaxChars {
			cut := bulletMaxChars
			for cut > 0 && !isRuneStart(content[cut]) {
				cut--
			}
			content = content[:cut] + "…"
		}
		fmt.Fprintf(&b, "- %s: %s", m.Role, content)
	}
	return b.String()
}

// shrinkSummary halves the summary keeping its tail, floored at
// summaryFloorChars. ok is false once shrinking makes no progress.
func shrinkSummary(s string) (string, bool) {
	keep := int(float64(len(s)) * summaryShrinkRatio)
	if keep < summaryFloorChars {
		keep = summaryFloorChars
	}
	next := tailChars(s, keep)
	if len(next) >= len(s) {
		return s, false
	}
	return next, true
}

// mergeSummary appends new bullets to the running summary, keeping
// the tail when the cap is exceeded so the newest context survives.
func mergeSummary(old, add string, maxChars int) string {
	merged := add
	if old != "" {
		merged = old + "\n" + add
	}
	if len(merged) <= maxChars {
		return merged
	}
	return tailChars(merged, maxChars)
}

// tailChars keeps the last n bytes of s on a rune boundary, with an
// ellipsis marking the cut.
func tailChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := len(s) - n
	for cut < len(s) && !isRuneStart(s[cut]) {
		cut++
	}
	return "…" + s[cut:]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// trimTailContent truncates the single remaining message so the
// packed prompt fits the budget.
func trimTailContent(tail []Message, budget int, preamble string) []Message {
	if len(tail) == 0 {
		return tail
	}
	overheadTokens := conversationPrimers + perMessageOverhead
	if preamble != "" {
		overheadTokens += EstimateMessageTokens(Message{Role: "system", Content: preamble})
	}
	// One token of headroom covers the ellipsis the cut inserts.
	keepChars := (budget - overheadTokens - 1) * charsPerToken
	if keepChars < tailTrimMinChars {
		keepChars = tailTrimMinChars
	}
	last := tail[len(tail)-1]
	last.Content = tailChars(last.Content, keepChars)
	return []Message{last}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
