package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"strings"

	"github.com/jmoiron/sqlx"
)

var (
	// ErrNotFound is returned when a guild, feed item or repository is absent.
	ErrNotFound = errors.New("subscription not found")
	// ErrStoreUnavailable is returned once transient backend errors outlast the retry budget.
	ErrStoreUnavailable = errors.New("store unavailable")
)

const iteratePageSize = 50

// SubscriptionStore owns the guild documents of one namespace.
type SubscriptionStore struct {
	db        *Database
	namespace string
	retry     retryPolicy
}

type guildRow struct {
	ID  int64  `db:"id"`
	Doc string `db:"doc"`
}

// NewSubscriptionStore creates a store scoped to namespace ("store" or "test").
func NewSubscriptionStore(db *Database, namespace string) *SubscriptionStore {
	return &SubscriptionStore{
		db:        db,
		namespace: namespace,
		retry:     defaultRetryPolicy,
	}
}

// GuildsWithFeeds lazily yields every guild that has at least one feed item.
// Guilds are read in pages ordered by id, so writes made while iterating
// are visible to later pages. Documents that fail to decode are logged and
// skipped; a query error is yielded once and ends the iteration.
func (s *SubscriptionStore) GuildsWithFeeds(ctx context.Context) iter.Seq2[GuildConfig, error] {
	return func(yield func(GuildConfig, error) bool) {
		after := int64(math.MinInt64)
		for {
			var rows []guildRow
			err := s.withRetry(ctx, func() error {
				rows = rows[:0]
				return s.db.SelectContext(ctx, &rows, `
					SELECT id, doc FROM guilds
					WHERE namespace = ? AND feed_count > 0 AND id > ?
					ORDER BY id
					LIMIT ?`, s.namespace, after, iteratePageSize)
			})
			if err != nil {
				yield(GuildConfig{}, err)
				return
			}

			for _, row := range rows {
				g, err := decodeGuild(row)
				if err != nil {
					// One unreadable document must not hide the guilds after it.
					s.db.log.Error().Err(err).Int64("guild_id", row.ID).Str("namespace", s.namespace).Msg("Skipping corrupt guild document")
					continue
				}
				if !yield(g, nil) {
					return
				}
			}

			if len(rows) < iteratePageSize {
				return
			}
			after = rows[len(rows)-1].ID
		}
	}
}

// Guild returns the document of guildID.
func (s *SubscriptionStore) Guild(ctx context.Context, guildID int64) (*GuildConfig, error) {
	var row guildRow
	err := s.withRetry(ctx, func() error {
		return s.db.GetContext(ctx, &row,
			`SELECT id, doc FROM guilds WHERE namespace = ? AND id = ?`, s.namespace, guildID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	g, err := decodeGuild(row)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// UpsertFeedItem inserts item or replaces the item bound to the same channel.
// Repositories are deduplicated case-insensitively.
func (s *SubscriptionStore) UpsertFeedItem(ctx context.Context, guildID int64, item FeedItem) error {
	item.Repos = dedupeRepos(item.Repos)
	if len(item.Repos) == 0 {
		return fmt.Errorf("feed item for channel %d has no repositories", item.ChannelID)
	}

	return s.Update(ctx, guildID, true, func(g *GuildConfig) error {
		if existing, ok := g.FeedItem(item.ChannelID); ok {
			*existing = item
			return nil
		}
		g.Feed = append(g.Feed, item)
		return nil
	})
}

// RemoveRepo removes one repository from a feed item, cascading to the item
// and then the guild when they become empty.
func (s *SubscriptionStore) RemoveRepo(ctx context.Context, guildID, channelID int64, repo string) error {
	return s.Update(ctx, guildID, false, func(g *GuildConfig) error {
		item, ok := g.FeedItem(channelID)
		if !ok || !item.removeRepo(repo) {
			return ErrNotFound
		}
		if len(item.Repos) == 0 {
			g.removeFeedItem(channelID)
		}
		return nil
	})
}

// UpdateTag writes last_tag of a single repository.
func (s *SubscriptionStore) UpdateTag(ctx context.Context, guildID, channelID int64, repo, tag string) error {
	return s.BulkUpdateTags(ctx, guildID, []TagUpdate{{ChannelID: channelID, Repo: repo, Tag: tag}})
}

// BulkUpdateTags writes every update in one transaction. Entries whose feed
// item or repository no longer exist are skipped; nothing but tags is written.
func (s *SubscriptionStore) BulkUpdateTags(ctx context.Context, guildID int64, updates []TagUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	err := s.Update(ctx, guildID, false, func(g *GuildConfig) error {
		for _, u := range updates {
			item, ok := g.FeedItem(u.ChannelID)
			if !ok {
				continue
			}
			if repo, ok := item.Repo(u.Repo); ok {
				tag := u.Tag
				repo.Tag = &tag
			}
		}
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		// The guild was removed while its releases were being published.
		return nil
	}
	return err
}

// DeleteGuild removes the guild document.
func (s *SubscriptionStore) DeleteGuild(ctx context.Context, guildID int64) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM guilds WHERE namespace = ? AND id = ?`, s.namespace, guildID)
		return err
	})
}

// Update runs fn against the guild document inside one transaction. When the
// guild does not exist, fn receives a fresh document if create is set and
// ErrNotFound is returned otherwise. A document left without feed items is
// deleted. Errors returned by fn abort the transaction and are passed through.
func (s *SubscriptionStore) Update(ctx context.Context, guildID int64, create bool, fn func(*GuildConfig) error) error {
	var fnErr error
	err := s.withRetry(ctx, func() error {
		fnErr = nil
		return s.inTx(ctx, func(tx *sqlx.Tx) error {
			var row guildRow
			err := tx.GetContext(ctx, &row,
				`SELECT id, doc FROM guilds WHERE namespace = ? AND id = ?`, s.namespace, guildID)

			var g GuildConfig
			switch {
			case errors.Is(err, sql.ErrNoRows):
				if !create {
					fnErr = ErrNotFound
					return errAbort
				}
				g = GuildConfig{ID: guildID}
			case err != nil:
				return err
			default:
				if g, err = decodeGuild(row); err != nil {
					fnErr = err
					return errAbort
				}
			}

			if err := fn(&g); err != nil {
				fnErr = err
				return errAbort
			}

			return s.write(ctx, tx, g)
		})
	})
	if fnErr != nil {
		return fnErr
	}
	return err
}

func (s *SubscriptionStore) write(ctx context.Context, tx *sqlx.Tx, g GuildConfig) error {
	if len(g.Feed) == 0 {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM guilds WHERE namespace = ? AND id = ?`, s.namespace, g.ID)
		return err
	}

	doc, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to encode guild %d: %w", g.ID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO guilds (namespace, id, doc, feed_count, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(namespace, id) DO UPDATE SET
			doc = excluded.doc,
			feed_count = excluded.feed_count,
			updated_at = excluded.updated_at`,
		s.namespace, g.ID, string(doc), len(g.Feed))
	return err
}

// errAbort rolls back a transaction whose callback already recorded its error.
var errAbort = errors.New("transaction aborted")

func (s *SubscriptionStore) inTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, errAbort) {
			return nil
		}
		return err
	}
	return tx.Commit()
}

func decodeGuild(row guildRow) (GuildConfig, error) {
	var g GuildConfig
	if err := json.NewDecoder(strings.NewReader(row.Doc)).Decode(&g); err != nil {
		return GuildConfig{}, fmt.Errorf("failed to decode guild %d: %w", row.ID, err)
	}
	g.ID = row.ID
	return g, nil
}
