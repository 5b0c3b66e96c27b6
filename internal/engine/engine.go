package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/poliarc/election-management-system-sub008/internal/config"
	"github.com/poliarc/election-management-system-sub008/internal/domain"
	"github.com/poliarc/election-management-system-sub008/internal/engine/auth"
	"github.com/poliarc/election-management-system-sub008/internal/errs"
	"github.com/poliarc/election-management-system-sub008/internal/events"
	"github.com/poliarc/election-management-system-sub008/internal/hierarchy"
	"github.com/poliarc/election-management-system-sub008/internal/lock"
	"github.com/poliarc/election-management-system-sub008/internal/logging"
	"github.com/poliarc/election-management-system-sub008/internal/repo"
	"github.com/poliarc/election-management-system-sub008/internal/workflow"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Auth   auth.Service
	Events events.Writer
	Config *config.Config
	Locker lock.Locker
	Log    *zap.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, log *zap.Logger) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Auth:   auth.Service{Repo: r},
		Events: events.Writer{DB: db},
		Config: cfg,
		Locker: lock.NewKeyedMutex(),
		Log:    logging.OrNop(log),
		Now:    time.Now,
	}
}

var validate = validator.New()

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger(ctx context.Context) *zap.Logger {
	return logging.FromContext(ctx, e.Log)
}

func (e Engine) config() *config.Config {
	if e.Config == nil {
		return config.Default()
	}
	return e.Config
}

// Policy returns the workflow switches from config.
func (e Engine) Policy() workflow.Policy {
	cfg := e.config()
	return workflow.Policy{
		AllowReforward:   cfg.Workflow.AllowReforward,
		RejectIsTerminal: cfg.Workflow.RejectIsTerminal,
	}
}

// Classifier builds the leaf classifier. The stored level flag always counts;
// name patterns apply only with the name heuristic on.
func (e Engine) Classifier() hierarchy.Classifier {
	cfg := e.config()
	c := hierarchy.Classifier{UseLevelFlag: true}
	if cfg.Hierarchy.NameHeuristic {
		c.Patterns = cfg.Hierarchy.LeafPatterns
		if len(c.Patterns) == 0 {
			c.Patterns = hierarchy.DefaultLeafPatterns
		}
	}
	return c
}

// defaultLocker serves engines built without New.
var defaultLocker = lock.NewKeyedMutex()

func (e Engine) locker() lock.Locker {
	if e.Locker == nil {
		return defaultLocker
	}
	return e.Locker
}

// notFound maps repo.ErrNotFound onto the shared taxonomy.
func notFound(err error, kind string, id any) error {
	if errors.Is(err, repo.ErrNotFound) {
		return errs.NotFound(kind, id)
	}
	return err
}

// validationError turns validator output into a ValidationError naming the
// first failing field.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return errs.Validation(toSnake(fe.Field()), fmt.Sprintf("failed %s validation", fe.Tag()))
	}
	return errs.Validation("", err.Error())
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && !(s[i-1] >= 'A' && s[i-1] <= 'Z') {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// LatestEvents returns recent events, newest first.
func (e Engine) LatestEvents(ctx context.Context, f repo.EventFilter) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, f)
}
