package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore is an embedded MessageStore and ChannelStore backed by BadgerDB.
//
// Key layout (all keys share one DB):
//
//	seq/<channel>              -> badgerCursor
//	msg/<channel>/<seq %020d>  -> Message
//	chan/<channel>             -> channel header
//	name/<name>                -> channel id (uniqueness index)
//	member/<channel>/<user>    -> empty
//
// The zero-padded sequence keeps message keys in append order under Badger's byte ordering.
type BadgerStore struct {
	db  *badger.DB
	now func() time.Time

	// Appends are serialised per channel in-process; Badger txns alone would
	// surface conflicts as errors instead of queueing.
	locks sync.Map // channelID -> *sync.Mutex
}

type badgerCursor struct {
	Head int64     `json:"head"`
	Last time.Time `json:"last"`
}

type badgerChannel struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// OpenBadgerStore opens (or creates) a Badger database at path.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("realtime: empty badger path")
	}
	db, err := badger.Open(badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING))
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return NewBadgerStore(db), nil
}

// NewBadgerStore wraps an already opened DB. Close closes it.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Close closes the underlying DB.
func (s *BadgerStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func cursorKey(channelID string) []byte { return []byte("seq/" + channelID) }

func messagePrefix(channelID string) []byte { return []byte("msg/" + channelID + "/") }

func messageKey(channelID string, seq int64) []byte {
	return []byte(fmt.Sprintf("msg/%s/%020d", channelID, seq))
}

func channelKey(channelID string) []byte { return []byte("chan/" + channelID) }

func nameKey(name string) []byte { return []byte("name/" + name) }

func memberPrefix(channelID string) []byte { return []byte("member/" + channelID + "/") }

func memberKey(channelID, userID string) []byte {
	return []byte("member/" + channelID + "/" + userID)
}

func (s *BadgerStore) channelLock(channelID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(channelID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func getJSON(txn *badger.Txn, key []byte, dst any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(v []byte) error {
		return json.Unmarshal(v, dst)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, b)
}

// CreateLog writes an empty cursor for channelID unless one exists.
func (s *BadgerStore) CreateLog(ctx context.Context, channelID string) error {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return opErr("store.CreateLog", ErrInvalidInput, "missing channel_id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	mu := s.channelLock(channelID)
	mu.Lock()
	defer mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(cursorKey(channelID))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return setJSON(txn, cursorKey(channelID), badgerCursor{})
	})
}

// Append increments the channel cursor and writes the message in one Badger transaction.
func (s *BadgerStore) Append(ctx context.Context, channelID, senderID, text string) (Message, error) {
	const op = "store.Append"

	text, err := normalizeText(op, text)
	if err != nil {
		return Message{}, err
	}
	if strings.TrimSpace(senderID) == "" || strings.TrimSpace(channelID) == "" {
		return Message{}, opErr(op, ErrInvalidInput, "missing channel_id or sender_id")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	mu := s.channelLock(channelID)
	mu.Lock()
	defer mu.Unlock()

	var msg Message
	err = s.db.Update(func(txn *badger.Txn) error {
		var cur badgerCursor
		if err := getJSON(txn, cursorKey(channelID), &cur); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return opErr(op, ErrInvalidInput, "unknown channel_id")
			}
			return err
		}

		now := monotonicAfter(cur.Last, s.now())
		cur.Head++
		cur.Last = now

		msg = Message{
			ID:        NewMessageID(now),
			ChannelID: channelID,
			SenderID:  senderID,
			Text:      text,
			Seq:       cur.Head,
			CreatedAt: now,
		}
		if err := setJSON(txn, messageKey(channelID, msg.Seq), msg); err != nil {
			return err
		}
		return setJSON(txn, cursorKey(channelID), cur)
	})
	if err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Page reads the cursor and the window from one Badger read snapshot.
func (s *BadgerStore) Page(ctx context.Context, channelID string, page, limit int) (PageResult, error) {
	const op = "store.Page"

	page, limit, err := normalizePage(op, page, limit)
	if err != nil {
		return PageResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return PageResult{}, err
	}

	out := PageResult{Messages: []Message{}}
	err = s.db.View(func(txn *badger.Txn) error {
		var cur badgerCursor
		if err := getJSON(txn, cursorKey(channelID), &cur); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return opErr(op, ErrNotFound, "unknown channel_id")
			}
			return err
		}

		lo, hi, ok := pageWindow(cur.Head, page, limit)
		if !ok {
			return nil
		}

		prefix := messagePrefix(channelID)
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: limit, Prefix: prefix})
		defer it.Close()

		for it.Seek(messageKey(channelID, lo)); it.ValidForPrefix(prefix); it.Next() {
			var m Message
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &m) }); err != nil {
				return err
			}
			if m.Seq > hi {
				break
			}
			out.Messages = append(out.Messages, m)
		}
		out.HasMore = lo > 1
		return nil
	})
	if err != nil {
		return PageResult{}, err
	}
	return out, nil
}

// LoadChannels returns every stored channel with members, oldest first.
func (s *BadgerStore) LoadChannels(ctx context.Context) ([]ChannelRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []ChannelRecord
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte("chan/")
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, Prefix: prefix})
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			var hdr badgerChannel
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &hdr) }); err != nil {
				return err
			}
			members, err := loadMembers(txn, hdr.ID)
			if err != nil {
				return err
			}
			out = append(out, ChannelRecord{
				ID:        hdr.ID,
				Name:      hdr.Name,
				CreatedAt: hdr.CreatedAt,
				MemberIDs: members,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(out, func(a, b ChannelRecord) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func loadMembers(txn *badger.Txn, channelID string) ([]string, error) {
	prefix := memberPrefix(channelID)
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
	defer it.Close()

	var members []string
	for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
		members = append(members, string(it.Item().Key()[len(prefix):]))
	}
	return members, nil
}

// InsertChannel stores the header, the name index and initial members atomically.
func (s *BadgerStore) InsertChannel(ctx context.Context, rec ChannelRecord) error {
	const op = "channels.Insert"

	if strings.TrimSpace(rec.ID) == "" || strings.TrimSpace(rec.Name) == "" {
		return opErr(op, ErrInvalidInput, "missing id or name")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(nameKey(rec.Name)); err == nil {
			return opErr(op, ErrNameTaken, rec.Name)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err := txn.Set(nameKey(rec.Name), []byte(rec.ID)); err != nil {
			return err
		}
		if err := setJSON(txn, channelKey(rec.ID), badgerChannel{ID: rec.ID, Name: rec.Name, CreatedAt: rec.CreatedAt}); err != nil {
			return err
		}
		for _, userID := range rec.MemberIDs {
			if err := txn.Set(memberKey(rec.ID, userID), nil); err != nil {
				return err
			}
		}

		// The channel's log is born with its record; CreateLog later finds it in place.
		if _, err := txn.Get(cursorKey(rec.ID)); errors.Is(err, badger.ErrKeyNotFound) {
			return setJSON(txn, cursorKey(rec.ID), badgerCursor{})
		} else if err != nil {
			return err
		}
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		// A concurrent insert touched the same name key.
		return opErr(op, ErrNameTaken, rec.Name)
	}
	return err
}

// AddMember sets the membership key; re-adding is a no-op.
func (s *BadgerStore) AddMember(ctx context.Context, channelID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(channelKey(channelID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return opErr("channels.AddMember", ErrNotFound, channelID)
			}
			return err
		}
		return txn.Set(memberKey(channelID, userID), nil)
	})
}

// RemoveMember deletes the membership key; removing a non-member is a no-op.
func (s *BadgerStore) RemoveMember(ctx context.Context, channelID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(memberKey(channelID, userID))
	})
}

var (
	_ MessageStore = (*BadgerStore)(nil)
	_ ChannelStore = (*BadgerStore)(nil)
)
