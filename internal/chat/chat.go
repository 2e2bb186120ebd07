// SPDX-License-Identifier: MIT

// Package chat persists per-user conversation state under
// <data_dir>/users/<uid>/: one JSON document per session in chats/, a
// title index, and a queue of deferred session ops. Every write is a
// full-file atomic replace, and each session document carries a seq
// counter so async consumers can tell whether their snapshot is stale.
package chat

import (
	"fmt"
	"time"

	"github.com/llamad/llamad/internal/prompt"
)

// Session is one stored conversation.
type Session struct {
	SessionID string           `json:"sessionId"`
	Messages  []prompt.Message `json:"messages"`
	// Seq increments on every mutation of the document.
	Seq      int64  `json:"seq"`
	Summary  string `json:"summary,omitempty"`
	OwnerUID string `json:"ownerUid"`
}

// IndexEntry is one row of the per-user index.json.
type IndexEntry struct {
	SessionID string    `json:"sessionId"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updatedAt"`
	Seq       int64     `json:"seq"`
}

// OpDeleteMessages removes messages by position, optionally taking the
// trailing assistant reply with them.
const OpDeleteMessages = "delete_messages"

// Op is one deferred session operation. Ops queue in pending.json while
// a generation may be running and are applied after the stream ends.
type Op struct {
	Kind      string `json:"kind"`
	SessionID string `json:"sessionId"`

	// IDs are message positions in the stored document
	// (delete_messages).
	IDs []int `json:"ids,omitempty"`
	// TailAssistant additionally drops the final message when it is an
	// assistant reply.
	TailAssistant bool `json:"tailAssistant,omitempty"`
}

func (o Op) validate() error {
	if o.Kind != OpDeleteMessages {
		return fmt.Errorf("unknown op kind %q", o.Kind)
	}
	if err := validID(o.SessionID); err != nil {
		return fmt.Errorf("op session id: %w", err)
	}
	return nil
}

// apply mutates sess according to the op, reporting whether anything
// changed.
func (o Op) apply(sess *Session) bool {
	switch o.Kind {
	case OpDeleteMessages:
		return applyDeleteMessages(sess, o)
	default:
		return false
	}
}

func applyDeleteMessages(sess *Session, op Op) bool {
	changed := false

	if len(op.IDs) > 0 {
		drop := make(map[int]struct{}, len(op.IDs))
		for _, id := range op.IDs {
			if id >= 0 && id < len(sess.Messages) {
				drop[id] = struct{}{}
			}
		}
		if len(drop) > 0 {
			kept := make([]prompt.Message, 0, len(sess.Messages)-len(drop))
			for i, m := range sess.Messages {
				if _, gone := drop[i]; !gone {
					kept = append(kept, m)
				}
			}
			sess.Messages = kept
			changed = true
		}
	}

	if op.TailAssistant && len(sess.Messages) > 0 &&
		sess.Messages[len(sess.Messages)-1].Role == "assistant" {
		sess.Messages = sess.Messages[:len(sess.Messages)-1]
		changed = true
	}

	return changed
}
