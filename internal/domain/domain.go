package domain

import (
	"bytes"
	"encoding/json"
	"math"
	"slices"
	"strconv"
	"time"
)

// Account is an operator or admin allowed to log in.
// A non-admin account is bound to exactly one kiosk, an admin observes zero or more.
type Account struct {
	ID             int64    `json:"id"`
	Username       string   `json:"username"`
	PasswordHash   string   `json:"password"`
	AssignedKiosks []string `json:"assigned_kiosks"`
	IsAdmin        bool     `json:"admin"`
}

// Assigned reports whether kiosk belongs to the account's assigned set.
func (a Account) Assigned(kiosk string) bool {
	return slices.Contains(a.AssignedKiosks, kiosk)
}

// Vote is a single submitted survey. Votes are never updated or deleted.
type Vote struct {
	ID        string            `json:"id"`
	Username  string            `json:"username"`
	Kiosk     string            `json:"kiosk"`
	Timestamp time.Time         `json:"date"`
	Comment   *string           `json:"comment"`
	Ratings   map[string]Rating `json:"ratings"`
}

// Rating is the answer to one question. An entry that is not an object is
// kept as a rating without a valid note.
type Rating struct {
	Note Note `json:"note"`

	// raw keeps an entry that is not an object so it is written back unchanged.
	raw json.RawMessage
}

func (r Rating) MarshalJSON() ([]byte, error) {
	if len(r.raw) > 0 {
		return r.raw, nil
	}

	type rating Rating
	return json.Marshal(rating(r))
}

func (r *Rating) UnmarshalJSON(b []byte) error {
	*r = Rating{}

	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' {
		var buf bytes.Buffer
		if err := json.Compact(&buf, b); err != nil {
			return err
		}

		r.raw = buf.Bytes()
		return nil
	}

	type rating Rating
	var v rating
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	*r = Rating(v)
	return nil
}

// maxNote bounds the integral notes read from a fractional or exponent form.
const maxNote = 1 << 53

// Note is a nullable integer rating. Valid is false when the note was absent,
// null, or not an integral number; such notes are excluded from statistics.
type Note struct {
	Value int
	Valid bool

	// raw keeps the payload as read when it is not the canonical form of
	// Value, so it is written back unchanged.
	raw json.RawMessage
}

// NoteOf returns a valid note.
func NoteOf(v int) Note {
	return Note{Value: v, Valid: true}
}

func (n Note) MarshalJSON() ([]byte, error) {
	switch {
	case len(n.raw) > 0:
		return n.raw, nil
	case n.Valid:
		return []byte(strconv.Itoa(n.Value)), nil
	default:
		return []byte("null"), nil
	}
}

func (n *Note) UnmarshalJSON(b []byte) error {
	*n = Note{}

	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}

	if v, err := strconv.Atoi(string(b)); err == nil {
		n.Value, n.Valid = v, true
		return nil
	}

	n.raw = append(json.RawMessage(nil), b...)

	// 5.0 and 5e0 are numbers with an integral value too.
	if len(b) > 0 && (b[0] == '-' || (b[0] >= '0' && b[0] <= '9')) {
		f, err := strconv.ParseFloat(string(b), 64)
		if err == nil && f == math.Trunc(f) && math.Abs(f) <= maxNote {
			n.Value, n.Valid = int(f), true
		}
	}

	return nil
}

// QuestionStat is derived on every query and never persisted.
type QuestionStat struct {
	Total   int     `json:"total"`
	Average float64 `json:"average"`
}

// KioskStats maps a question key to its statistics.
type KioskStats map[string]QuestionStat

// LockEntry is the claim of a kiosk by an operator.
type LockEntry struct {
	Kiosk  string `json:"kiosk"`
	Holder string `json:"holder"`
}
