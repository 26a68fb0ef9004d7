// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package charm routes Juju hooks and actions to the handlers that install,
// configure and operate the ZooKeeper ensemble.
package charm

import (
	"context"
	"os"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/utils/v4"

	"github.com/canonical/zookeeper-operator/core/literals"
	"github.com/canonical/zookeeper-operator/core/status"
	"github.com/canonical/zookeeper-operator/internal/backup"
	"github.com/canonical/zookeeper-operator/internal/cluster"
	"github.com/canonical/zookeeper-operator/internal/hookenv"
	"github.com/canonical/zookeeper-operator/internal/metrics"
	"github.com/canonical/zookeeper-operator/internal/provider"
	"github.com/canonical/zookeeper-operator/internal/s3client"
	"github.com/canonical/zookeeper-operator/internal/secrets"
	"github.com/canonical/zookeeper-operator/internal/tls"
	"github.com/canonical/zookeeper-operator/internal/zkclient"
)

var logger = loggo.GetLogger("zookeeper.charm")

// Workload is the server on the unit.
type Workload interface {
	tls.Files
	backup.Service

	Install() error
	Installed() (bool, error)
	Restart() error
	Running() (bool, error)
	Path(key string) string
	WriteConf(name, content string) (bool, error)
	ReadConf(name string) (string, error)
	WriteMyID(id int) (bool, error)
	WriteJVMFlags(flags []string) (bool, error)
	Healthy() bool
	Mode() (string, error)
	Version() string
}

// ZooKeeper administers the running ensemble.
type ZooKeeper interface {
	cluster.Membership
	provider.ACLManager
	PingServers() error
}

// Config holds the dependencies of a Charm.
type Config struct {
	Env      hookenv.Environment
	Context  hookenv.Context
	Workload Workload
	Clock    clock.Clock

	// NewZooKeeper connects to the ensemble as an administrator.
	NewZooKeeper func(hosts []string, username, password string) ZooKeeper
	// NewStorage opens the backup object store.
	NewStorage func(ctx context.Context, params backup.S3Params) (backup.Storage, error)
	// Health scrapes the metrics of the server on host.
	Health func(ctx context.Context, host string) (metrics.Health, error)
	// Hostname returns the machine hostname and FQDN.
	Hostname func() (string, string, error)
	// Chown is applied to restored data files.
	Chown func(path string) error
	// NewPassword generates internal and client passwords.
	NewPassword func() (string, error)

	// StartAttempts and StartDelay bound the wait for a started server
	// to answer ruok.
	StartAttempts int
	StartDelay    time.Duration
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.Env.UnitName == "" {
		return errors.NotValidf("empty unit name")
	}
	if c.Context == nil {
		return errors.NotValidf("nil Context")
	}
	if c.Workload == nil {
		return errors.NotValidf("nil Workload")
	}
	return nil
}

// Charm handles one dispatched hook or action.
type Charm struct {
	cfg     Config
	env     hookenv.Environment
	ctx     hookenv.Context
	secrets *secrets.Store
	tls     *tls.Manager
}

// New returns a Charm, filling defaults for unset dependencies.
func New(cfg Config) (*Charm, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.NewZooKeeper == nil {
		cfg.NewZooKeeper = func(hosts []string, username, password string) ZooKeeper {
			return zkclient.NewManager(hosts, username, password)
		}
	}
	if cfg.NewStorage == nil {
		cfg.NewStorage = newS3Storage
	}
	if cfg.Health == nil {
		cfg.Health = metrics.NewScraper().Health
	}
	if cfg.Hostname == nil {
		cfg.Hostname = hostname
	}
	if cfg.Chown == nil {
		cfg.Chown = func(path string) error {
			return os.Chown(path, literals.User, literals.GroupID)
		}
	}
	if cfg.NewPassword == nil {
		cfg.NewPassword = utils.RandomPassword
	}
	if cfg.StartAttempts <= 0 {
		cfg.StartAttempts = 10
	}
	if cfg.StartDelay <= 0 {
		cfg.StartDelay = 3 * time.Second
	}
	store := secrets.NewStore(cfg.Context, cfg.Env.AppName)
	certs := tls.New(cfg.Context, store, cfg.Workload)
	certs.NewPassword = cfg.NewPassword
	return &Charm{
		cfg:     cfg,
		env:     cfg.Env,
		ctx:     cfg.Context,
		secrets: store,
		tls:     certs,
	}, nil
}

func newS3Storage(ctx context.Context, params backup.S3Params) (backup.Storage, error) {
	session, err := s3client.NewSession(ctx, params.Credentials())
	if err != nil {
		return nil, errors.Trace(err)
	}
	return s3client.NewClient(session, params.Bucket, params.Region), nil
}

func hostname() (string, string, error) {
	name, err := os.Hostname()
	if err != nil {
		return "", "", errors.Trace(err)
	}
	return name, name, nil
}

// Dispatch runs the handler of the hook or action Juju invoked.
func (c *Charm) Dispatch(ctx context.Context) error {
	event := c.env.EventName()
	logger.Debugf("dispatching %s on %s", event, c.env.UnitName)
	if c.env.IsAction() {
		return errors.Trace(c.runAction(ctx, event))
	}
	if endpoint, kind, ok := c.env.RelationEvent(); ok {
		return errors.Trace(c.relationEvent(ctx, endpoint, kind))
	}
	switch event {
	case "install":
		return errors.Trace(c.install())
	case "leader-elected":
		if err := c.ensurePasswords(); err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(c.reconcile(ctx, brokenNone))
	case "upgrade-charm":
		return errors.Trace(c.upgradeCharm(ctx))
	case "update-status":
		if err := c.reconcile(ctx, brokenNone); err != nil {
			return errors.Trace(err)
		}
		c.logHealth(ctx)
		return nil
	case "stop", "remove":
		return errors.Trace(c.cfg.Workload.Stop())
	case "config-changed", "start", "leader-settings-changed":
		return errors.Trace(c.reconcile(ctx, brokenNone))
	}
	logger.Debugf("no handler for %s", event)
	return nil
}

// broken names a relation being torn down in the current hook. Juju still
// lists it until the hook completes.
type broken struct {
	endpoint   string
	relationID string
}

var brokenNone = broken{}

func (c *Charm) relationEvent(ctx context.Context, endpoint, kind string) error {
	gone := brokenNone
	if kind == "broken" {
		gone = broken{endpoint: endpoint, relationID: c.env.RelationID}
	}
	switch endpoint {
	case literals.CertsRelName:
		if err := c.certificatesEvent(kind); err != nil {
			return errors.Trace(err)
		}
	case literals.S3RelName:
		if err := c.s3Event(ctx, kind); err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Trace(c.reconcile(ctx, gone))
}

// setStatus reports s as the unit's workload status and logs it at its
// level.
func (c *Charm) setStatus(s status.Status) error {
	level := s.Level()
	msg := level.Message
	if msg == "" {
		msg = s.String()
	}
	logger.Logf(level.LogLevel.Loggo(), "%s: %s", c.env.UnitName, msg)
	return errors.Trace(c.ctx.StatusSet(level.Kind, level.Message, false))
}

func (c *Charm) isLeader() (bool, error) {
	leader, err := c.ctx.IsLeader()
	return leader, errors.Trace(err)
}
