// SPDX-License-Identifier: MIT

package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/llamad/llamad/internal/fsutil"
	"github.com/llamad/llamad/internal/log"
	"github.com/llamad/llamad/internal/prompt"
)

const (
	usersDir    = "users"
	chatsDir    = "chats"
	indexFile   = "index.json"
	pendingFile = "pending.json"

	// defaultTitle labels a session until the retitler names it.
	defaultTitle = "New Chat"

	maxIDLen = 128
)

// Store reads and writes the per-user chat files. One mutex serializes
// the read-modify-write cycles; every file lands via atomic replace.
type Store struct {
	root   string
	logger zerolog.Logger
	now    func() time.Time

	mu sync.Mutex
}

// New opens a store rooted at the data directory.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create chat root: %w", err)
	}
	return &Store{
		root:   root,
		logger: log.WithComponent("chat"),
		now:    time.Now,
	}, nil
}

// Load returns the stored session, or a fresh zero-seq session when
// none exists yet. The second return reports whether the document was
// on disk.
func (s *Store) Load(uid, sessionID string) (Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(uid, sessionID)
}

// Append adds messages to the session, creating it when absent. Each
// call bumps seq once and touches the index row.
func (s *Store) Append(uid, sessionID string, msgs ...prompt.Message) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, _, err := s.loadLocked(uid, sessionID)
	if err != nil {
		return Session{}, err
	}
	if len(msgs) == 0 {
		return sess, nil
	}

	sess.Messages = append(sess.Messages, msgs...)
	sess.Seq++
	if err := s.persistLocked(sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Replace swaps the whole conversation body and summary, as the
// roll-up does after folding peeled messages into the summary.
func (s *Store) Replace(uid, sessionID string, msgs []prompt.Message, summary string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, _, err := s.loadLocked(uid, sessionID)
	if err != nil {
		return Session{}, err
	}

	sess.Messages = append([]prompt.Message(nil), msgs...)
	sess.Summary = summary
	sess.Seq++
	if err := s.persistLocked(sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Seq reads the current sequence counter; 0 when the session does not
// exist.
func (s *Store) Seq(uid, sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, _, err := s.loadLocked(uid, sessionID)
	if err != nil {
		return 0, err
	}
	return sess.Seq, nil
}

// Index returns the user's chat rows, most recently updated first.
func (s *Store) Index(uid string) ([]IndexEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readIndexLocked(uid)
}

// SetTitle updates the index row title, reporting whether it changed.
// An unknown session is a quiet no-op: the retitler may lose the race
// against a session that never persisted.
func (s *Store) SetTitle(uid, sessionID, title string) (bool, error) {
	if title == "" {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.readIndexLocked(uid)
	if err != nil {
		return false, err
	}
	for i := range rows {
		if rows[i].SessionID != sessionID {
			continue
		}
		if rows[i].Title == title {
			return false, nil
		}
		rows[i].Title = title
		if err := s.writeIndexLocked(uid, rows); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// Queue appends ops to the user's pending queue.
func (s *Store) Queue(uid string, ops ...Op) error {
	for _, op := range ops {
		if err := op.validate(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.readPendingLocked(uid)
	if err != nil {
		return err
	}
	return s.writePendingLocked(uid, append(cur, ops...))
}

// ApplyPending consumes the queued ops for one session and applies
// them to the stored document. Ops for other sessions stay queued; ops
// for a session that no longer changes anything are still consumed.
func (s *Store) ApplyPending(uid, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ops, err := s.readPendingLocked(uid)
	if err != nil {
		return 0, err
	}

	var mine, rest []Op
	for _, op := range ops {
		if op.SessionID == sessionID {
			mine = append(mine, op)
		} else {
			rest = append(rest, op)
		}
	}
	if len(mine) == 0 {
		return 0, nil
	}

	sess, found, err := s.loadLocked(uid, sessionID)
	if err != nil {
		return 0, err
	}

	applied := 0
	if found {
		for _, op := range mine {
			if op.apply(&sess) {
				applied++
			}
		}
		if applied > 0 {
			sess.Seq++
			if err := s.persistLocked(sess); err != nil {
				return 0, err
			}
		}
	}

	if err := s.writePendingLocked(uid, rest); err != nil {
		return applied, err
	}

	s.logger.Debug().
		Str("event", "chat.ops_applied").
		Str("session_id", sessionID).
		Int("consumed", len(mine)).
		Int("applied", applied).
		Msg("pending session ops consumed")
	return applied, nil
}

func (s *Store) loadLocked(uid, sessionID string) (Session, bool, error) {
	path, err := s.sessionPath(uid, sessionID)
	if err != nil {
		return Session{}, false, err
	}

	raw, err := os.ReadFile(path) // #nosec G304 -- path confined under the data dir above
	if os.IsNotExist(err) {
		return Session{SessionID: sessionID, OwnerUID: uid}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("read session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return Session{}, false, fmt.Errorf("parse session %s: %w", sessionID, err)
	}
	return sess, true, nil
}

// persistLocked writes the session document and its index row.
func (s *Store) persistLocked(sess Session) error {
	path, err := s.sessionPath(sess.OwnerUID, sess.SessionID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create chats dir: %w", err)
	}

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := fsutil.WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return s.touchIndexLocked(sess)
}

// touchIndexLocked upserts the session's index row with the current
// time and seq.
func (s *Store) touchIndexLocked(sess Session) error {
	rows, err := s.readIndexLocked(sess.OwnerUID)
	if err != nil {
		return err
	}

	found := false
	for i := range rows {
		if rows[i].SessionID == sess.SessionID {
			rows[i].UpdatedAt = s.now().UTC()
			rows[i].Seq = sess.Seq
			found = true
			break
		}
	}
	if !found {
		rows = append(rows, IndexEntry{
			SessionID: sess.SessionID,
			Title:     defaultTitle,
			UpdatedAt: s.now().UTC(),
			Seq:       sess.Seq,
		})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].UpdatedAt.Equal(rows[j].UpdatedAt) {
			return rows[i].UpdatedAt.After(rows[j].UpdatedAt)
		}
		return rows[i].SessionID < rows[j].SessionID
	})
	return s.writeIndexLocked(sess.OwnerUID, rows)
}

func (s *Store) readIndexLocked(uid string) ([]IndexEntry, error) {
	path, err := s.userFile(uid, indexFile)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path) // #nosec G304 -- path confined under the data dir above
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}

	var rows []IndexEntry
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, fmt.Errorf("parse index: %w", err)
		}
	}
	return rows, nil
}

func (s *Store) writeIndexLocked(uid string, rows []IndexEntry) error {
	path, err := s.userFile(uid, indexFile)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create user dir: %w", err)
	}

	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	if err := fsutil.WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}

func (s *Store) readPendingLocked(uid string) ([]Op, error) {
	path, err := s.userFile(uid, pendingFile)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path) // #nosec G304 -- path confined under the data dir above
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pending ops: %w", err)
	}

	var ops []Op
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &ops); err != nil {
			return nil, fmt.Errorf("parse pending ops: %w", err)
		}
	}
	return ops, nil
}

func (s *Store) writePendingLocked(uid string, ops []Op) error {
	path, err := s.userFile(uid, pendingFile)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create user dir: %w", err)
	}

	if ops == nil {
		ops = []Op{}
	}
	data, err := json.MarshalIndent(ops, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pending ops: %w", err)
	}
	if err := fsutil.WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("write pending ops: %w", err)
	}
	return nil
}

// sessionPath confines users/<uid>/chats/<sessionID>.json under the
// store root.
func (s *Store) sessionPath(uid, sessionID string) (string, error) {
	if err := validID(uid); err != nil {
		return "", fmt.Errorf("uid: %w", err)
	}
	if err := validID(sessionID); err != nil {
		return "", fmt.Errorf("session id: %w", err)
	}
	return fsutil.ConfineRelPath(s.root, filepath.Join(usersDir, uid, chatsDir, sessionID+".json"))
}

// userFile confines users/<uid>/<name> under the store root.
func (s *Store) userFile(uid, name string) (string, error) {
	if err := validID(uid); err != nil {
		return "", fmt.Errorf("uid: %w", err)
	}
	return fsutil.ConfineRelPath(s.root, filepath.Join(usersDir, uid, name))
}

// validID accepts the uid and session id alphabet that becomes file
// names: letters, digits, dot, dash, underscore; no leading dot.
func validID(id string) error {
	if id == "" {
		return errors.New("empty id")
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("id longer than %d chars", maxIDLen)
	}
	if id[0] == '.' {
		return fmt.Errorf("id starts with a dot: %q", id)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '-', r == '_':
		default:
			return fmt.Errorf("id contains %q", r)
		}
	}
	return nil
}
