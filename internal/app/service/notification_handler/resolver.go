package notification_handler

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fatflowers/entitlement/internal/app/service/subscription"
	"github.com/fatflowers/entitlement/pkg/config"
	"github.com/fatflowers/entitlement/pkg/logctx"
	"github.com/fatflowers/entitlement/pkg/tool"
)

// UserResolver maps provider-side user identifiers to internal account ids.
// An empty id with a nil error means no candidate matched.
type UserResolver interface {
	Resolve(ctx context.Context, candidates []string) (string, error)
}

// gormUserResolver looks candidates up in the account table. Accounts are
// keyed by UUID, so other identifiers are skipped without a query.
type gormUserResolver struct {
	db       *gorm.DB
	table    string
	idColumn string
	log      *zap.SugaredLogger
}

func NewUserResolver(cfg *config.Config, db *gorm.DB, log *zap.SugaredLogger) UserResolver {
	table, column := "profiles", "id"
	if cfg != nil && cfg.Users.Table != "" {
		table = cfg.Users.Table
	}
	if cfg != nil && cfg.Users.IDColumn != "" {
		column = cfg.Users.IDColumn
	}
	return &gormUserResolver{db: db, table: table, idColumn: column, log: log}
}

func (r *gormUserResolver) Resolve(ctx context.Context, candidates []string) (string, error) {
	for _, id := range candidates {
		if !tool.IsUUID(id) {
			continue
		}
		var found []string
		err := r.db.WithContext(ctx).
			Table(r.table).
			Where(clause.Eq{Column: clause.Column{Name: r.idColumn}, Value: id}).
			Limit(1).
			Pluck(r.idColumn, &found).Error
		if err != nil {
			logctx.FromCtx(ctx, r.log).Errorw("resolve user failed", "candidate", id, "err", err)
			return "", subscription.ClassifyStoreError("resolve_user", err)
		}
		if len(found) > 0 {
			return found[0], nil
		}
	}
	return "", nil
}

// StaticUserResolver accepts a fixed set of ids. Useful for tests and local
// runs without an account table.
type StaticUserResolver map[string]bool

func (s StaticUserResolver) Resolve(_ context.Context, candidates []string) (string, error) {
	for _, id := range candidates {
		if s[id] {
			return id, nil
		}
	}
	return "", nil
}

var _ UserResolver = StaticUserResolver(nil)
