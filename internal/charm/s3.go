// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package charm

import (
	"context"

	"github.com/juju/errors"

	"github.com/canonical/zookeeper-operator/core/literals"
	"github.com/canonical/zookeeper-operator/core/status"
	"github.com/canonical/zookeeper-operator/internal/backup"
	"github.com/canonical/zookeeper-operator/internal/cluster"
	"github.com/canonical/zookeeper-operator/internal/secrets"
)

// s3Event keeps the stored backup parameters in line with the
// s3-credentials relation. Only the leader acts; the status is reported by
// the reconcile that follows.
func (c *Charm) s3Event(ctx context.Context, kind string) error {
	leader, err := c.isLeader()
	if err != nil || !leader {
		return errors.Trace(err)
	}
	switch kind {
	case "joined":
		err := c.ctx.RelationSet(c.env.RelationID, true, map[string]string{
			backup.BucketKey: c.env.AppName,
		})
		return errors.Annotate(err, "requesting bucket")
	case "changed":
		params, err := c.remoteS3Params(c.env.RelationID)
		if errors.IsNotValid(err) {
			logger.Errorf("%v", err)
			return errors.Trace(c.secrets.Remove(secrets.ScopeApp, literals.S3CredentialsKey))
		}
		if err != nil {
			return errors.Trace(err)
		}
		storage, err := c.cfg.NewStorage(ctx, params)
		if err == nil {
			err = storage.EnsureBucket(ctx)
		}
		if err != nil {
			logger.Errorf("preparing bucket %q: %v", params.Bucket, err)
			return errors.Trace(c.secrets.Remove(secrets.ScopeApp, literals.S3CredentialsKey))
		}
		content, err := params.Marshal()
		if err != nil {
			return errors.Trace(err)
		}
		logger.Infof("backups go to s3://%s/%s", params.Bucket, params.Path)
		return errors.Trace(c.secrets.Set(secrets.ScopeApp, map[string]string{
			literals.S3CredentialsKey: content,
		}))
	case "broken":
		return errors.Trace(c.secrets.Remove(secrets.ScopeApp, literals.S3CredentialsKey))
	}
	return nil
}

func (c *Charm) remoteS3Params(relationID string) (backup.S3Params, error) {
	app, err := c.ctx.RelationRemoteApp(relationID)
	if err != nil {
		return backup.S3Params{}, errors.Trace(err)
	}
	data, err := c.ctx.RelationGet(relationID, app, true)
	if err != nil {
		return backup.S3Params{}, errors.Annotatef(err, "reading s3 parameters of %s", app)
	}
	params, err := backup.ParseS3Params(data)
	return params, errors.Trace(err)
}

// s3Status reports a related object store the leader could not use.
func (c *Charm) s3Status(gone broken) (status.Status, error) {
	relationID, ok, err := c.relationExists(literals.S3RelName, gone)
	if err != nil || !ok {
		return status.Active, errors.Trace(err)
	}
	stored, err := c.secrets.Content(secrets.ScopeApp)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if stored[literals.S3CredentialsKey] != "" {
		return status.Active, nil
	}
	_, err = c.remoteS3Params(relationID)
	if errors.IsNotValid(err) {
		return status.MissingS3Config, nil
	}
	if err != nil {
		return 0, errors.Trace(err)
	}
	return status.BucketNotCreated, nil
}

// backupManager opens the stored object store. It is NotFound until the
// s3-credentials relation delivered usable parameters.
func (c *Charm) backupManager(ctx context.Context) (*backup.Manager, error) {
	stored, err := c.secrets.Content(secrets.ScopeApp)
	if err != nil {
		return nil, errors.Trace(err)
	}
	content := stored[literals.S3CredentialsKey]
	if content == "" {
		return nil, errors.NotFoundf("s3 credentials")
	}
	params, err := backup.UnmarshalS3Params(content)
	if err != nil {
		return nil, errors.Trace(err)
	}
	storage, err := c.cfg.NewStorage(ctx, params)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return backup.NewManager(backup.Config{
		Storage: storage,
		Params:  params,
		DataDir: c.cfg.Workload.Path(literals.PathData),
		Unit:    c.env.UnitName,
		Version: c.cfg.Workload.Version(),
		Clock:   c.cfg.Clock,
		Chown:   c.cfg.Chown,
	})
}

// restoreStep applies a restore the leader requested through the peer
// application databag. Every unit restores once and records the backup id
// in its own databag; the leader clears the request when all are done.
func (c *Charm) restoreStep(ctx context.Context, peers *cluster.Peers, leader bool) error {
	id := peers.AppData[cluster.RestoreKey]
	done := peers.Unit(c.env.UnitName)[cluster.RestoreKey]
	switch {
	case id == "" && done != "":
		return errors.Trace(c.setUnitData(peers, map[string]string{cluster.RestoreKey: ""}))
	case id == "":
		return nil
	case done != id:
		if err := c.setStatus(status.OngoingRestore); err != nil {
			return errors.Trace(err)
		}
		m, err := c.backupManager(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		if _, err := m.Restore(ctx, id, c.cfg.Workload); err != nil {
			return errors.Annotatef(err, "restoring %s", id)
		}
		if err := c.setUnitData(peers, map[string]string{cluster.RestoreKey: id}); err != nil {
			return errors.Trace(err)
		}
	}
	if !leader {
		return nil
	}
	for _, unit := range peers.UnitNames() {
		if peers.Units[unit][cluster.RestoreKey] != id {
			return nil
		}
	}
	logger.Infof("backup %s restored on every unit", id)
	return errors.Trace(c.setAppData(peers, map[string]string{cluster.RestoreKey: ""}))
}
