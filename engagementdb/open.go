package engagementdb

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// Open builds a Store from a DSN:
//
//	sqlite:///path/to/engagement.db, or a bare path
//	mongodb://host:27017/dbname?replicaSet=rs0
func Open(ctx context.Context, dsn string, log *zap.Logger) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("engagement database dsn is required")
	}
	switch {
	case strings.HasPrefix(dsn, "mongodb://"), strings.HasPrefix(dsn, "mongodb+srv://"):
		u, err := url.Parse(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse mongo dsn: %w", err)
		}
		return OpenMongoStore(ctx, dsn, strings.Trim(u.Path, "/"), log)
	case strings.HasPrefix(dsn, "sqlite://"):
		return OpenSQLStore(strings.TrimPrefix(dsn, "sqlite://"), log)
	case strings.Contains(dsn, "://"):
		return nil, fmt.Errorf("unsupported engagement database scheme: %q", dsn)
	default:
		return OpenSQLStore(dsn, log)
	}
}

// historyDefaulter is implemented by stores that stamp audit fields on
// history entries.
type historyDefaulter interface {
	SetHistoryDefaults(HistoryDefaults)
}

// ApplyHistoryDefaults sets the audit defaults on s when it supports them.
func ApplyHistoryDefaults(s Store, d HistoryDefaults) {
	if hd, ok := s.(historyDefaulter); ok {
		hd.SetHistoryDefaults(d)
	}
}
