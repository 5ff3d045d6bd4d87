// Package storage provides the persisted subscription graph of the release feed.
package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// GuildConfig is the document stored for one guild.
type GuildConfig struct {
	ID     int64      `json:"_id"`
	Locale string     `json:"locale,omitempty"`
	Feed   []FeedItem `json:"feed"`
}

// FeedItem is a publication target: one channel, one webhook, many repositories.
type FeedItem struct {
	ChannelID int64              `json:"cid"`
	Hook      string             `json:"hook"` // webhook path suffix; never log it
	Mention   Mention            `json:"mention"`
	Repos     []RepoSubscription `json:"repos"`
}

// RepoSubscription is one watched repository inside a FeedItem.
type RepoSubscription struct {
	Name string  `json:"name"`
	Tag  *string `json:"tag"`
}

// TagUpdate is one entry of a bulk tag write.
type TagUpdate struct {
	ChannelID int64
	Repo      string
	Tag       string
}

// FeedItem returns the feed item bound to channelID.
func (g *GuildConfig) FeedItem(channelID int64) (*FeedItem, bool) {
	for i := range g.Feed {
		if g.Feed[i].ChannelID == channelID {
			return &g.Feed[i], true
		}
	}
	return nil, false
}

// Repo returns the subscription for name, compared case-insensitively.
func (f *FeedItem) Repo(name string) (*RepoSubscription, bool) {
	for i := range f.Repos {
		if strings.EqualFold(f.Repos[i].Name, name) {
			return &f.Repos[i], true
		}
	}
	return nil, false
}

// removeRepo drops name from the item and reports whether it was present.
func (f *FeedItem) removeRepo(name string) bool {
	for i := range f.Repos {
		if strings.EqualFold(f.Repos[i].Name, name) {
			f.Repos = append(f.Repos[:i], f.Repos[i+1:]...)
			return true
		}
	}
	return false
}

// removeFeedItem drops the item bound to channelID.
func (g *GuildConfig) removeFeedItem(channelID int64) {
	for i := range g.Feed {
		if g.Feed[i].ChannelID == channelID {
			g.Feed = append(g.Feed[:i], g.Feed[i+1:]...)
			return
		}
	}
}

// dedupeRepos enforces case-insensitive uniqueness, keeping the first occurrence.
func dedupeRepos(repos []RepoSubscription) []RepoSubscription {
	seen := make(map[string]struct{}, len(repos))
	out := make([]RepoSubscription, 0, len(repos))
	for _, r := range repos {
		key := strings.ToLower(r.Name)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out
}

// MentionKind selects who is pinged when a release is published.
type MentionKind int

const (
	MentionNone MentionKind = iota
	MentionEveryone
	MentionHere
	MentionRole
)

// Mention is stored as a role id, "everyone", "here" or null.
type Mention struct {
	Kind   MentionKind
	RoleID int64
}

// RoleMention returns a mention of the role with the given id.
func RoleMention(id int64) Mention {
	return Mention{Kind: MentionRole, RoleID: id}
}

// ParseMention accepts "", "none", "everyone", "@everyone", "here", "@here",
// a numeric role id or a "<@&id>" role reference.
func ParseMention(s string) (Mention, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(strings.TrimPrefix(s, "@")) {
	case "", "none":
		return Mention{}, nil
	case "everyone":
		return Mention{Kind: MentionEveryone}, nil
	case "here":
		return Mention{Kind: MentionHere}, nil
	}

	raw := strings.TrimSuffix(strings.TrimPrefix(s, "<@&"), ">")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return Mention{}, fmt.Errorf("invalid mention %q", s)
	}
	return RoleMention(id), nil
}

// IsSet reports whether the mention pings anyone.
func (m Mention) IsSet() bool {
	return m.Kind != MentionNone
}

// String renders the mention as chat message content.
func (m Mention) String() string {
	switch m.Kind {
	case MentionEveryone:
		return "@everyone"
	case MentionHere:
		return "@here"
	case MentionRole:
		return fmt.Sprintf("<@&%d>", m.RoleID)
	default:
		return ""
	}
}

// MarshalJSON implements json.Marshaler.
func (m Mention) MarshalJSON() ([]byte, error) {
	switch m.Kind {
	case MentionEveryone:
		return []byte(`"everyone"`), nil
	case MentionHere:
		return []byte(`"here"`), nil
	case MentionRole:
		return []byte(strconv.FormatInt(m.RoleID, 10)), nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Mention) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*m = Mention{}
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		switch s {
		case "everyone":
			*m = Mention{Kind: MentionEveryone}
		case "here":
			*m = Mention{Kind: MentionHere}
		default:
			return fmt.Errorf("unknown mention %q", s)
		}
		return nil
	}

	id, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid role mention: %w", err)
	}
	*m = RoleMention(id)
	return nil
}
