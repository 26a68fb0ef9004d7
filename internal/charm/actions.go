// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package charm

import (
	"context"
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/juju/errors"

	"github.com/canonical/zookeeper-operator/core/literals"
	"github.com/canonical/zookeeper-operator/internal/backup"
	"github.com/canonical/zookeeper-operator/internal/cluster"
	"github.com/canonical/zookeeper-operator/internal/config"
	"github.com/canonical/zookeeper-operator/internal/secrets"
	"github.com/canonical/zookeeper-operator/internal/upgrade"
	"github.com/canonical/zookeeper-operator/internal/zkclient"
)

// Action names.
const (
	GetSuperPasswordAction = "get-super-password"
	GetSyncPasswordAction  = "get-sync-password"
	SetPasswordAction      = "set-password"
	CreateBackupAction     = "create-backup"
	ListBackupsAction      = "list-backups"
	RestoreAction          = "restore"
	PreUpgradeCheckAction  = "pre-upgrade-check"
)

// failure is an action outcome reported to the operator rather than a
// charm error.
type failure struct {
	message string
}

func (f *failure) Error() string {
	return f.message
}

func failf(format string, args ...interface{}) error {
	return &failure{message: fmt.Sprintf(format, args...)}
}

func (c *Charm) runAction(ctx context.Context, name string) error {
	params, err := c.ctx.ActionGet()
	if err != nil {
		return errors.Trace(err)
	}
	var results map[string]string
	switch name {
	case GetSuperPasswordAction:
		results, err = c.getPassword(literals.SuperPasswordKey)
	case GetSyncPasswordAction:
		results, err = c.getPassword(literals.SyncPasswordKey)
	case SetPasswordAction:
		results, err = c.setPassword(ctx, params)
	case CreateBackupAction:
		results, err = c.createBackup(ctx)
	case ListBackupsAction:
		results, err = c.listBackups(ctx)
	case RestoreAction:
		results, err = c.restore(ctx, params)
	case PreUpgradeCheckAction:
		results, err = c.preUpgradeCheck()
	default:
		return errors.NotSupportedf("action %q", name)
	}
	var f *failure
	if errors.As(err, &f) {
		logger.Warningf("%s failed: %s", name, f.message)
		return errors.Trace(c.ctx.ActionFail(f.message))
	}
	if err != nil {
		return errors.Trace(err)
	}
	if len(results) == 0 {
		return nil
	}
	return errors.Trace(c.ctx.ActionSet(results))
}

func stringParam(params map[string]interface{}, key string) string {
	if v, ok := params[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

func (c *Charm) getPassword(key string) (map[string]string, error) {
	password, err := c.secrets.Get(secrets.ScopeApp, key)
	if errors.IsNotFound(err) {
		return nil, failf("%s not yet created", key)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return map[string]string{key: password}, nil
}

func (c *Charm) requireLeader(action string) error {
	leader, err := c.isLeader()
	if err != nil {
		return errors.Trace(err)
	}
	if !leader {
		return failf("%s must be run on the leader unit", action)
	}
	return nil
}

// setPassword replaces an internal user password. Units pick up the new
// JAAS config and restart in their next reconcile.
func (c *Charm) setPassword(ctx context.Context, params map[string]interface{}) (map[string]string, error) {
	if err := c.requireLeader(SetPasswordAction); err != nil {
		return nil, errors.Trace(err)
	}
	username := stringParam(params, "username")
	if username == "" {
		username = literals.SuperUser
	}
	if !literals.IsCharmUser(username) {
		return nil, failf("username %q not valid, expected one of %v", username, literals.CharmUsers)
	}
	password := stringParam(params, "password")
	if password == "" {
		var err error
		if password, err = c.cfg.NewPassword(); err != nil {
			return nil, errors.Trace(err)
		}
	}
	if err := config.ValidatePassword(password); err != nil {
		return nil, failf("%v", err)
	}
	peers, err := cluster.Load(c.ctx, c.env.UnitName)
	if errors.IsNotFound(err) {
		return nil, failf("no peer relation yet")
	}
	if err != nil {
		return nil, errors.Trace(err)
	}

	key := username + "-password"
	current, err := c.secrets.Get(secrets.ScopeApp, key)
	if err != nil && !errors.IsNotFound(err) {
		return nil, errors.Trace(err)
	}
	if current == password {
		return map[string]string{"result": "password unchanged"}, nil
	}
	if err := c.secrets.Set(secrets.ScopeApp, map[string]string{key: password}); err != nil {
		return nil, errors.Trace(err)
	}
	generation, _ := strconv.Atoi(peers.AppData[cluster.RotatePasswordsKey])
	err = c.setAppData(peers, map[string]string{
		cluster.RotatePasswordsKey: strconv.Itoa(generation + 1),
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	logger.Infof("rotated %s password", username)
	if err := c.reconcile(ctx, brokenNone); err != nil {
		return nil, errors.Trace(err)
	}
	return map[string]string{"result": fmt.Sprintf("%s password rotated", username)}, nil
}

func (c *Charm) openBackups(ctx context.Context) (*backup.Manager, error) {
	m, err := c.backupManager(ctx)
	if errors.IsNotFound(err) {
		return nil, failf("missing s3 credentials, relate to an s3 integrator first")
	}
	return m, errors.Trace(err)
}

func (c *Charm) createBackup(ctx context.Context) (map[string]string, error) {
	if !c.cfg.Workload.Healthy() {
		return nil, failf("zookeeper is not serving requests on %s", c.env.UnitName)
	}
	m, err := c.openBackups(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	meta, err := m.Create(ctx)
	if errors.IsNotFound(err) {
		return nil, failf("%v", err)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return map[string]string{
		"backup-id": meta.ID,
		"snapshot":  meta.Snapshot,
		"size":      humanize.Bytes(uint64(meta.Size)),
	}, nil
}

func (c *Charm) listBackups(ctx context.Context) (map[string]string, error) {
	m, err := c.openBackups(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	backups, err := m.List(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return map[string]string{"backups": backup.Render(backups)}, nil
}

// restore asks every unit to restore a backup. The units do the work in
// their next reconcile.
func (c *Charm) restore(ctx context.Context, params map[string]interface{}) (map[string]string, error) {
	if err := c.requireLeader(RestoreAction); err != nil {
		return nil, errors.Trace(err)
	}
	id := stringParam(params, "backup-id")
	if id == "" {
		return nil, failf("missing backup-id")
	}
	peers, err := cluster.Load(c.ctx, c.env.UnitName)
	if errors.IsNotFound(err) {
		return nil, failf("no peer relation yet")
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	if ongoing := peers.AppData[cluster.RestoreKey]; ongoing != "" {
		return nil, failf("restore of %s already in progress", ongoing)
	}
	m, err := c.openBackups(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	backups, err := m.List(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	found := false
	for _, b := range backups {
		found = found || b.ID == id
	}
	if !found {
		return nil, failf("backup %q not found", id)
	}
	if err := c.setAppData(peers, map[string]string{cluster.RestoreKey: id}); err != nil {
		return nil, errors.Trace(err)
	}
	if err := c.reconcile(ctx, brokenNone); err != nil {
		return nil, errors.Trace(err)
	}
	return map[string]string{"result": fmt.Sprintf("restore of %s started", id)}, nil
}

func (c *Charm) preUpgradeCheck() (map[string]string, error) {
	peers, err := cluster.Load(c.ctx, c.env.UnitName)
	if errors.IsNotFound(err) {
		return nil, failf("no peer relation yet")
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	passwords, err := c.secrets.Content(secrets.ScopeApp)
	if err != nil {
		return nil, errors.Trace(err)
	}
	state := upgrade.State{
		Stable:  peers.Stable(),
		Version: c.cfg.Workload.Version(),
	}
	for _, unit := range peers.UnitNames() {
		ip := peers.Units[unit][cluster.IPKey]
		if ip == "" {
			state.Unhealthy = append(state.Unhealthy, unit)
			continue
		}
		hosts := zkclient.HostsWithPort([]string{ip}, literals.ClientPort)
		zk := c.cfg.NewZooKeeper(hosts, literals.SuperUser, passwords[literals.SuperPasswordKey])
		if err := zk.PingServers(); err != nil {
			logger.Debugf("%s: %v", unit, err)
			state.Unhealthy = append(state.Unhealthy, unit)
		}
	}
	if err := upgrade.PreUpgradeCheck(state); err != nil {
		return nil, failf("%v", err)
	}
	return map[string]string{"result": "ready to upgrade"}, nil
}
