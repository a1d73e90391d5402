package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/oceanbase/memctx/pkg/capture"
	"github.com/oceanbase/memctx/pkg/logging"
	"github.com/oceanbase/memctx/pkg/policy"
	"github.com/oceanbase/memctx/pkg/quota"
	"github.com/oceanbase/memctx/pkg/recall"
	"github.com/oceanbase/memctx/pkg/registry"
	"github.com/oceanbase/memctx/pkg/retention"
	"github.com/oceanbase/memctx/pkg/storage"
	badgerStore "github.com/oceanbase/memctx/pkg/storage/badger"
	"github.com/oceanbase/memctx/pkg/storage/oceanbase"
	postgresStore "github.com/oceanbase/memctx/pkg/storage/postgres"
	sqliteStore "github.com/oceanbase/memctx/pkg/storage/sqlite"
)

// Client is the entry point for capturing and recalling memory.
//
// All methods are safe for concurrent use.
//
// Example:
//
//	client, err := core.NewClient(core.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	req := core.Requester{UserID: "alice", Teams: []string{"platform"}}
//	_, _ = client.Start(ctx, req, "release-42")
//	_, _ = client.Append(ctx, req, "decided to pin the base image")
type Client struct {
	config *Config

	store    storage.Store
	enforcer *policy.Enforcer
	buffers  *capture.Manager
	registry *registry.Registry
	merger   *recall.Merger
	sweeper  *retention.Sweeper

	logger *slog.Logger
	logs   *logging.Logger // nil when the logger was supplied

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// NewClient creates a Client from cfg.
func NewClient(cfg *Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &clientOptions{}
	for _, opt := range opts {
		opt(o)
	}

	c := &Client{config: cfg, logger: o.logger}
	if c.logger == nil {
		logs, err := logging.New(cfg.Logging)
		if err != nil {
			return nil, NewMemoryError("NewClient", err)
		}
		c.logs = logs
		c.logger = logs.Slog()
	}

	c.store = o.store
	if c.store == nil {
		store, err := initStorage(cfg.Storage, c.logger)
		if err != nil {
			c.closeLogs()
			return nil, err
		}
		c.store = store
	}

	if err := c.init(cfg, o); err != nil {
		if c.cancel != nil {
			c.cancel()
		}
		_ = c.store.Close()
		c.closeLogs()
		return nil, err
	}
	return c, nil
}

func (c *Client) init(cfg *Config, o *clientOptions) error {
	enforcerOpts := []policy.Option{
		policy.WithRetention(cfg.Retention.Policy()),
		policy.WithLogger(c.logger.With("component", "policy")),
	}
	if cfg.Policy.PatternsFile != "" {
		data, err := os.ReadFile(cfg.Policy.PatternsFile)
		if err != nil {
			return NewMemoryError("NewClient", err)
		}
		redactor, err := policy.LoadRedactor(data)
		if err != nil {
			return NewMemoryError("NewClient", fmt.Errorf("%w: %v", ErrInvalidConfig, err))
		}
		enforcerOpts = append(enforcerOpts, policy.WithRedactor(redactor))
	}
	enforcer, err := policy.NewEnforcer(enforcerOpts...)
	if err != nil {
		return NewMemoryError("NewClient", err)
	}
	c.enforcer = enforcer

	bg, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	if cfg.Policy.GrantsFile != "" {
		if err := enforcer.LoadFile(cfg.Policy.GrantsFile); err != nil {
			return NewMemoryError("NewClient", err)
		}
		if cfg.Policy.WatchGrants {
			done, err := enforcer.Watch(bg, cfg.Policy.GrantsFile)
			if err != nil {
				return NewMemoryError("NewClient", err)
			}
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				<-done
			}()
		}
	}

	c.buffers, err = capture.NewManager(c.store, enforcer, cfg.Capture,
		capture.WithLogger(c.logger.With("component", "capture")),
		capture.WithFlushFunc(c.touch))
	if err != nil {
		return NewMemoryError("NewClient", fmt.Errorf("%w: %v", ErrInvalidConfig, err))
	}

	q := o.quota
	if q == nil {
		q = quota.Unlimited{}
		if cfg.Quota != (quota.Limits{}) {
			q = quota.NewRateLimiter(cfg.Quota)
		}
	}

	c.registry = registry.New(c.store, c.buffers, enforcer,
		registry.WithLogger(c.logger.With("component", "registry")),
		registry.WithQuota(quotaGate{q}))

	c.merger = recall.NewMerger(c.store, enforcer, c.registry, cfg.Recall,
		recall.WithLogger(c.logger.With("component", "recall")))

	c.sweeper, err = retention.NewSweeper(c.store, enforcer.Retention(), cfg.Retention.Config,
		retention.WithLogger(c.logger.With("component", "retention")))
	if err != nil {
		return NewMemoryError("NewClient", fmt.Errorf("%w: %v", ErrInvalidConfig, err))
	}

	if cfg.Retention.Background {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			_ = c.sweeper.Run(bg)
		}()
	}
	return nil
}

// touch forwards flush notifications to the registry.
func (c *Client) touch(contextID string, at time.Time) {
	if c.registry != nil {
		c.registry.Touch(contextID, at)
	}
}

// Start creates and activates a context named name.
//
// Example:
//
//	info, err := client.Start(ctx, req, "incident-7", core.WithScope(core.Team("sre")))
func (c *Client) Start(ctx context.Context, req Requester, name string, opts ...StartOption) (*Context, error) {
	if name == "" {
		return nil, NewMemoryError("Start", fmt.Errorf("%w: empty context name", ErrInvalidInput))
	}
	o := applyStartOptions(opts)
	info, err := c.registry.Start(ctx, req, registry.StartParams{Name: name, Scope: o.Scope})
	if err != nil {
		return nil, wrap("Start", err)
	}
	return info, nil
}

// Append redacts content and queues it into the selected context.
// The returned entry carries the stored (redacted) content and the final
// tier.
func (c *Client) Append(ctx context.Context, req Requester, content string, opts ...AppendOption) (*Entry, error) {
	o := applyAppendOptions(opts)
	id, err := c.resolve(ctx, req, o.ContextHint)
	if err != nil {
		return nil, wrap("Append", err)
	}
	e, err := c.registry.Append(ctx, req, id, capture.Event{Content: content, Tier: o.Tier, Actor: o.Actor})
	if err != nil {
		return nil, wrap("Append", err)
	}
	return e, nil
}

// Stop stops the selected context, or every context of the requester
// with WithAll. Stopping a stopped context is a no-op. Without a hint and
// with nothing ACTIVE, Stop targets the most recently activated context,
// so stopping twice succeeds.
func (c *Client) Stop(ctx context.Context, req Requester, opts ...StopOption) error {
	o := applyStopOptions(opts)
	if o.All {
		return wrap("Stop", c.registry.StopAll(ctx, req))
	}
	id, err := c.resolve(ctx, req, o.ContextHint)
	if o.ContextHint == "" && errors.Is(err, registry.ErrNoActiveContext) {
		id, err = c.registry.Latest(ctx, req.UserID)
	}
	if err != nil {
		return wrap("Stop", err)
	}
	return wrap("Stop", c.registry.Stop(ctx, req, id))
}

// Status lists the requester's contexts with their pending counts.
// Degraded contexts carry their flush error in Status.Err.
func (c *Client) Status(ctx context.Context, req Requester) ([]Status, error) {
	st, err := c.registry.Status(ctx, req.UserID)
	if st == nil && err != nil {
		return nil, wrap("Status", err)
	}
	return st, nil
}

// ResolveCurrent returns the context a session writes to: the hinted one
// if given, otherwise the requester's most recently activated ACTIVE
// context.
func (c *Client) ResolveCurrent(ctx context.Context, req Requester, hint string) (*Context, error) {
	id, err := c.resolve(ctx, req, hint)
	if err != nil {
		return nil, wrap("ResolveCurrent", err)
	}
	info, err := c.registry.Get(ctx, id)
	if err != nil {
		return nil, wrap("ResolveCurrent", err)
	}
	return info, nil
}

// resolve maps a hint to a context id. Any context id is accepted, so
// team members can address team contexts they do not own; names are
// looked up among the requester's own contexts.
func (c *Client) resolve(ctx context.Context, req Requester, hint string) (string, error) {
	if hint != "" {
		if info, err := c.registry.Get(ctx, hint); err == nil {
			return info.ID, nil
		} else if !errors.Is(err, registry.ErrContextNotFound) {
			return "", err
		}
	}
	return c.registry.ResolveCurrent(ctx, req.UserID, hint)
}

// Recall returns the entries the requester may read, personal first, then
// team, then organization, newest first within each scope. A scope that
// times out is reported in the result's warnings; use RecallResult.Err
// to turn them into ErrPartialRecall.
func (c *Client) Recall(ctx context.Context, req Requester, opts ...RecallOption) (*RecallResult, error) {
	o := applyRecallOptions(opts)
	res, err := c.merger.Recall(ctx, recall.Request{
		Requester:    req,
		ContextHint:  o.ContextHint,
		Scopes:       o.Scopes,
		Limit:        o.Limit,
		ScopeTimeout: o.ScopeTimeout,
	})
	if err != nil {
		return nil, wrap("Recall", err)
	}
	return res, nil
}

// Promote stops the hinted context and starts a new one of the same name
// in the broader scope to. Entries stay where they were written.
func (c *Client) Promote(ctx context.Context, req Requester, hint string, to ScopeRef) (*Context, error) {
	id, err := c.resolve(ctx, req, hint)
	if err != nil {
		return nil, wrap("Promote", err)
	}
	info, err := c.registry.Promote(ctx, req, id, to)
	if err != nil {
		return nil, wrap("Promote", err)
	}
	return info, nil
}

// Sweep runs one retention sweep now.
func (c *Client) Sweep(ctx context.Context) (*SweepResult, error) {
	res, err := c.sweeper.Sweep(ctx)
	if err != nil {
		return res, wrap("Sweep", err)
	}
	return res, nil
}

// Grant adds or replaces a grant.
func (c *Client) Grant(g policy.Grant) error {
	return wrap("Grant", c.enforcer.Grant(g))
}

// Revoke removes a grant.
func (c *Client) Revoke(g policy.Grant) error {
	return wrap("Revoke", c.enforcer.Revoke(g))
}

// Link shares a team into a parent team or organization.
func (c *Client) Link(l policy.Link) error {
	return wrap("Link", c.enforcer.Link(l))
}

// Policy returns the policy enforcer.
func (c *Client) Policy() *policy.Enforcer {
	return c.enforcer
}

// Close flushes every open buffer, stops background work and closes the
// store. Contexts stay ACTIVE and are picked up by the next Client.
//
// Example:
//
//	defer client.Close()
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		var errs []error
		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()

		if c.buffers != nil {
			if err := c.buffers.CloseAll(context.Background()); err != nil {
				errs = append(errs, err)
			}
		}
		if c.store != nil {
			if err := c.store.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		c.closeLogs()
		c.closeErr = NewMemoryError("Close", errors.Join(errs...))
	})
	return c.closeErr
}

func (c *Client) closeLogs() {
	if c.logs != nil {
		_ = c.logs.Close()
	}
}

// quotaGate marks quota errors so wrap returns them unchanged.
type quotaGate struct {
	quota.Checker
}

func (g quotaGate) AllowStart(ctx context.Context, owner string) error {
	if err := g.Checker.AllowStart(ctx, owner); err != nil {
		return &quotaError{err: err}
	}
	return nil
}

func (g quotaGate) AllowAppend(ctx context.Context, owner string) error {
	if err := g.Checker.AllowAppend(ctx, owner); err != nil {
		return &quotaError{err: err}
	}
	return nil
}

// initStorage initializes the storage backend.
func initStorage(cfg StorageConfig, logger *slog.Logger) (storage.Store, error) {
	var (
		store storage.Store
		err   error
	)
	switch cfg.Provider {
	case "sqlite":
		store, err = sqliteStore.NewClient(&sqliteStore.Config{
			DBPath:         cfg.SQLite.Path,
			CollectionName: cfg.SQLite.Collection,
		})
	case "postgres":
		store, err = postgresStore.NewClient(&postgresStore.Config{
			Host:           cfg.Postgres.Host,
			Port:           cfg.Postgres.Port,
			User:           cfg.Postgres.User,
			Password:       cfg.Postgres.Password,
			DBName:         cfg.Postgres.DBName,
			CollectionName: cfg.Postgres.Collection,
			SSLMode:        cfg.Postgres.SSLMode,
		})
	case "oceanbase":
		store, err = oceanbase.NewClient(&oceanbase.Config{
			Host:           cfg.OceanBase.Host,
			Port:           cfg.OceanBase.Port,
			User:           cfg.OceanBase.User,
			Password:       cfg.OceanBase.Password,
			DBName:         cfg.OceanBase.DBName,
			CollectionName: cfg.OceanBase.Collection,
		})
	case "badger":
		bc := badgerStore.DefaultConfig(cfg.Badger.Path)
		if cfg.Badger.InMemory {
			bc = badgerStore.InMemoryConfig()
		}
		bc.Logger = logger.With("component", "badger")
		store, err = badgerStore.NewClient(bc)
	default:
		return nil, NewMemoryError("initStorage", ErrInvalidConfig)
	}
	if err != nil {
		return nil, NewMemoryError("initStorage", err)
	}
	return store, nil
}
