package models

import (
	"database/sql/driver"
	"fmt"
)

// Subject is the kind of item a condition applies to
type Subject string

const (
	SubjectSubmission Subject = "submission"
	SubjectComment    Subject = "comment"
)

// Valid reports whether s is a known subject
func (s Subject) Valid() bool {
	return s == SubjectSubmission || s == SubjectComment
}

// Attribute is the item field a condition's pattern is tested against
type Attribute string

const (
	AttrUser     Attribute = "user"
	AttrTitle    Attribute = "title"
	AttrDomain   Attribute = "domain"
	AttrURL      Attribute = "url"
	AttrBody     Attribute = "body"
	AttrMemeName Attribute = "meme_name"
)

// Valid reports whether a is a known attribute
func (a Attribute) Valid() bool {
	switch a {
	case AttrUser, AttrTitle, AttrDomain, AttrURL, AttrBody, AttrMemeName:
		return true
	}
	return false
}

// AppliesTo reports whether the attribute exists on items of the given subject.
// Comments only carry an author and a body.
func (a Attribute) AppliesTo(s Subject) bool {
	switch s {
	case SubjectSubmission:
		return a.Valid()
	case SubjectComment:
		return a == AttrUser || a == AttrBody
	}
	return false
}

// Queue names one of the listings the bot polls per subreddit
type Queue string

const (
	QueueSubmission Queue = "submission"
	QueueSpam       Queue = "spam"
	QueueComment    Queue = "comment"
)

// Action is the outcome of a matched condition. The zero value is ActionNone,
// which is stored as NULL.
type Action int

const (
	ActionNone Action = iota
	ActionApprove
	ActionRemove
	ActionAlert
)

var actionNames = map[Action]string{
	ActionNone:    "",
	ActionApprove: "approve",
	ActionRemove:  "remove",
	ActionAlert:   "alert",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		if name == "" {
			return "none"
		}
		return name
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// ParseAction converts a stored action name into an Action. The empty string
// and "none" map to ActionNone.
func ParseAction(s string) (Action, error) {
	switch s {
	case "", "none":
		return ActionNone, nil
	case "approve":
		return ActionApprove, nil
	case "remove":
		return ActionRemove, nil
	case "alert":
		return ActionAlert, nil
	}
	return ActionNone, fmt.Errorf("unknown action %q", s)
}

// MarshalText implements encoding.TextMarshaler
func (a Action) MarshalText() ([]byte, error) {
	if _, ok := actionNames[a]; !ok {
		return nil, fmt.Errorf("unknown action %d", int(a))
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (a *Action) UnmarshalText(text []byte) error {
	parsed, err := ParseAction(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value implements driver.Valuer; ActionNone is written as NULL
func (a Action) Value() (driver.Value, error) {
	if a == ActionNone {
		return nil, nil
	}
	name, ok := actionNames[a]
	if !ok {
		return nil, fmt.Errorf("unknown action %d", int(a))
	}
	return name, nil
}

// Scan implements sql.Scanner
func (a *Action) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*a = ActionNone
		return nil
	case string:
		return a.UnmarshalText([]byte(v))
	case []byte:
		return a.UnmarshalText(v)
	}
	return fmt.Errorf("cannot scan %T into Action", src)
}
