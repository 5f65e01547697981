// Package cache persists the cursors and snapshots that let each sync stage
// resume incrementally. A nil *Cache is valid and means "no cache": every Get
// misses and every Set is dropped, so callers run in full mode.
package cache

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"engagement-pipeline/engagementdb"
	"engagement-pipeline/rapidpro"
)

// Scopes used by the sync stages.
const (
	ScopeEngagementDBToCoda     = "engagement_db_to_coda"
	ScopeCodaToEngagementDB     = "coda_to_engagement_db"
	ScopeRapidProToEngagementDB = "rapid_pro_to_engagement_db"
	ScopeCSVToEngagementDB      = "csv_to_engagement_db"
	ScopeEngagementDBToRapidPro = "engagement_db_to_rapid_pro"
	ScopeEngagementDBToAnalysis = "engagement_db_to_analysis"
)

type Cache struct {
	backend Backend
	prefix  string
}

func New(backend Backend) *Cache {
	if backend == nil {
		return nil
	}
	return &Cache{backend: backend}
}

// Open opens a backend from dsn and wraps it. An empty dsn returns a nil
// cache.
func Open(dsn string) (*Cache, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, nil
	}
	b, err := OpenBackend(dsn)
	if err != nil {
		return nil, err
	}
	return New(b), nil
}

// Scoped returns a view of the cache whose keys live under scope.
func (c *Cache) Scoped(scope string) *Cache {
	if c == nil {
		return nil
	}
	return &Cache{backend: c.backend, prefix: c.key(scope) + "/"}
}

func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.backend.Close()
}

func (c *Cache) key(name string) string {
	return c.prefix + name
}

func (c *Cache) get(ctx context.Context, name string) ([]byte, bool, error) {
	if c == nil {
		return nil, false, nil
	}
	b, ok, err := c.backend.Get(ctx, c.key(name))
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", c.key(name), err)
	}
	return b, ok, nil
}

func (c *Cache) set(ctx context.Context, name string, value []byte) error {
	if c == nil {
		return nil
	}
	if err := c.backend.Set(ctx, c.key(name), value); err != nil {
		return fmt.Errorf("cache set %s: %w", c.key(name), err)
	}
	return nil
}

// GetTimestamp returns nil when no timestamp is stored under name.
func (c *Cache) GetTimestamp(ctx context.Context, name string) (*time.Time, error) {
	b, ok, err := c.get(ctx, name+".txt")
	if err != nil || !ok {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(b)))
	if err != nil {
		return nil, fmt.Errorf("cache entry %s: %w", c.key(name), err)
	}
	return &t, nil
}

func (c *Cache) SetTimestamp(ctx context.Context, name string, t time.Time) error {
	return c.set(ctx, name+".txt", []byte(t.UTC().Format(time.RFC3339Nano)))
}

func (c *Cache) GetString(ctx context.Context, name string) (string, bool, error) {
	b, ok, err := c.get(ctx, name+".txt")
	if err != nil || !ok {
		return "", false, err
	}
	return string(b), true, nil
}

func (c *Cache) SetString(ctx context.Context, name string, value string) error {
	return c.set(ctx, name+".txt", []byte(value))
}

// GetMessage returns nil when no message is stored under name.
func (c *Cache) GetMessage(ctx context.Context, name string) (*engagementdb.Message, error) {
	b, ok, err := c.get(ctx, name+".json")
	if err != nil || !ok {
		return nil, err
	}
	var m engagementdb.Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("cache entry %s: %w", c.key(name), err)
	}
	return &m, nil
}

func (c *Cache) SetMessage(ctx context.Context, name string, m *engagementdb.Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return c.set(ctx, name+".json", b)
}

// GetMessages returns nil when no snapshot is stored under name.
func (c *Cache) GetMessages(ctx context.Context, name string) ([]*engagementdb.Message, error) {
	b, ok, err := c.get(ctx, name+".jsonl")
	if err != nil || !ok {
		return nil, err
	}
	out := []*engagementdb.Message{}
	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var m engagementdb.Message
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("cache entry %s: %w", c.key(name), err)
		}
		out = append(out, &m)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// SetMessages writes one JSON document per line.
func (c *Cache) SetMessages(ctx context.Context, name string, msgs []*engagementdb.Message) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, m := range msgs {
		if err := enc.Encode(m); err != nil {
			return err
		}
	}
	return c.set(ctx, name+".jsonl", buf.Bytes())
}

// GetContacts returns nil when no contacts are stored under name.
func (c *Cache) GetContacts(ctx context.Context, name string) ([]rapidpro.Contact, error) {
	b, ok, err := c.get(ctx, name+".json")
	if err != nil || !ok {
		return nil, err
	}
	out := []rapidpro.Contact{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("cache entry %s: %w", c.key(name), err)
	}
	return out, nil
}

func (c *Cache) SetContacts(ctx context.Context, name string, contacts []rapidpro.Contact) error {
	b, err := json.Marshal(contacts)
	if err != nil {
		return err
	}
	return c.set(ctx, name+".json", b)
}
