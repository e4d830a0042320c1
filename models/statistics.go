package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// UnknownCount is what the front end shows when a count cannot be supplied.
const UnknownCount = "?"

// Count is a non-negative number that may be unknown. Unknown values
// serialize as the string "?".
type Count struct {
	Value int
	Known bool
}

func KnownCount(v int) Count { return Count{Value: v, Known: true} }

func Unknown() Count { return Count{} }

func (c Count) MarshalJSON() ([]byte, error) {
	if !c.Known {
		return json.Marshal(UnknownCount)
	}
	return []byte(strconv.Itoa(c.Value)), nil
}

func (c *Count) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*c = Count{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == UnknownCount {
			*c = Count{}
			return nil
		}
		v, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("invalid count %q", s)
		}
		*c = KnownCount(v)
		return nil
	}
	var v int
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*c = KnownCount(v)
	return nil
}

// StatsResult is the normalized guild statistics object served to the
// front end and kept in the cache.
type StatsResult struct {
	Name                     string        `json:"name"`
	TotalMembers             Count         `json:"totalMembers"`
	OnlineMembers            Count         `json:"onlineMembers"`
	PremiumTier              Count         `json:"premiumTier"`
	PremiumSubscriptionCount Count         `json:"premiumSubscriptionCount"`
	Roles                    []RoleSummary `json:"roles"`
	// Members are widget presence entries, passed through as Discord sent them.
	Members []json.RawMessage `json:"members"`
}

// RoleSummary is a publicly displayed guild role.
type RoleSummary struct {
	Name  string `json:"name"`
	Color string `json:"color"`
	ID    string `json:"id"`
}

// GuildWidget is the subset of widget.json the fetcher reads. Members stay
// raw so fields like game, deaf or mute reach the front end untouched.
type GuildWidget struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	InstantInvite string            `json:"instant_invite"`
	PresenceCount int               `json:"presence_count"`
	Members       []json.RawMessage `json:"members"`
}
