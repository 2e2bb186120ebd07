// SPDX-License-Identifier: MIT

// Package prompt builds the packed message list a generation request
// sends to the worker: token estimation, summary roll-up, and the
// final safety trim that keeps the prompt inside the context window.
package prompt

import "unicode/utf8"

// Message is the chat message shape shared across the daemon: the
// chat store persists them, the bridge packs them, the worker engine
// consumes them.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Heuristic token costs. Four characters per token is the usual
// estimate for latin-heavy text; each message carries framing tokens
// for its role, and a conversation carries a reply primer.
const (
	charsPerToken       = 4
	perMessageOverhead  = 4
	conversationPrimers = 2
)

// EstimateTokens estimates the token count of raw text.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + charsPerToken - 1) / charsPerToken
}

// EstimateMessageTokens estimates one message including role framing.
func EstimateMessageTokens(m Message) int {
	return EstimateTokens(m.Content) + perMessageOverhead
}

// EstimateConversationTokens estimates a full message list as the
// worker will see it.
func EstimateConversationTokens(msgs []Message) int {
	total := conversationPrimers
	for _, m := range msgs {
		total += EstimateMessageTokens(m)
	}
	return total
}

// ClampOutBudget bounds the generation budget to what the context
// window still has room for, never below minOut.
func ClampOutBudget(nCtx, estPromptTokens, minOut, margin, reserved int) int {
	out := nCtx - estPromptTokens - margin - reserved
	if out < minOut {
		return minOut
	}
	return out
}
