package model

import (
	"github.com/google/uuid"
)

// MinOptions and MaxOptions bound the number of response options per item.
const (
	MinOptions = 2
	MaxOptions = 4
)

// OptionKeys lists the option keys in display order.
var OptionKeys = []string{"A", "B", "C", "D"}

// Option is one selectable response of an item.
type Option struct {
	Key  string `json:"key"`
	Text string `json:"text"`
}

// Item is a question as seen by a participant; correctness is never included.
type Item struct {
	ID       uuid.UUID `json:"id"`
	Prompt   string    `json:"prompt"`
	Options  []Option  `json:"options"`
	OrderNum int       `json:"order_num"`
}

// HasOption reports whether key is one of the item's option keys.
func (it Item) HasOption(key string) bool {
	for _, o := range it.Options {
		if o.Key == key {
			return true
		}
	}
	return false
}

// ValidOptionKey reports whether key is a well-formed option key.
func ValidOptionKey(key string) bool {
	for _, k := range OptionKeys {
		if k == key {
			return true
		}
	}
	return false
}

// ItemWithKey is the server-side item including the correct option.
type ItemWithKey struct {
	Item
	AssessmentID  uuid.UUID `json:"assessment_id"`
	CorrectOption string    `json:"-"`
}
