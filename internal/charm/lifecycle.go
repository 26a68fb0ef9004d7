// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package charm

import (
	"context"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/retry"

	"github.com/canonical/zookeeper-operator/core/literals"
	"github.com/canonical/zookeeper-operator/core/status"
	"github.com/canonical/zookeeper-operator/internal/cluster"
	"github.com/canonical/zookeeper-operator/internal/config"
	"github.com/canonical/zookeeper-operator/internal/provider"
	"github.com/canonical/zookeeper-operator/internal/secrets"
	"github.com/canonical/zookeeper-operator/internal/tls"
	"github.com/canonical/zookeeper-operator/internal/zkclient"
)

const unifiedTrue = "true"

func (c *Charm) install() error {
	if err := c.cfg.Workload.Install(); err != nil {
		logger.Errorf("installing workload: %v", err)
		return errors.Trace(c.setStatus(status.ServiceNotInstalled))
	}
	for _, port := range []int{literals.ClientPort, literals.SecureClientPort} {
		if err := c.ctx.OpenPort(port, "tcp"); err != nil {
			return errors.Annotatef(err, "opening port %d", port)
		}
	}
	return errors.Trace(c.ctx.ApplicationVersionSet(c.cfg.Workload.Version()))
}

func (c *Charm) upgradeCharm(ctx context.Context) error {
	if err := c.cfg.Workload.Install(); err != nil {
		logger.Errorf("refreshing workload: %v", err)
		return errors.Trace(c.setStatus(status.ServiceNotInstalled))
	}
	if err := c.ctx.ApplicationVersionSet(c.cfg.Workload.Version()); err != nil {
		return errors.Trace(err)
	}
	// A refreshed snap starts with an empty conf dir.
	if err := c.tls.WriteFiles(); err != nil && !errors.IsNotFound(err) {
		return errors.Annotate(err, "restoring tls stores")
	}
	return errors.Trace(c.reconcile(ctx, brokenNone))
}

// ensurePasswords creates the internal user passwords. Only the leader
// writes them.
func (c *Charm) ensurePasswords() error {
	leader, err := c.isLeader()
	if err != nil || !leader {
		return errors.Trace(err)
	}
	content, err := c.secrets.Content(secrets.ScopeApp)
	if err != nil {
		return errors.Trace(err)
	}
	updates := make(map[string]string)
	for _, key := range []string{literals.SyncPasswordKey, literals.SuperPasswordKey} {
		if content[key] != "" {
			continue
		}
		password, err := c.cfg.NewPassword()
		if err != nil {
			return errors.Annotatef(err, "generating %s", key)
		}
		updates[key] = password
	}
	if len(updates) == 0 {
		return nil
	}
	logger.Infof("creating internal user passwords")
	return errors.Trace(c.secrets.Set(secrets.ScopeApp, updates))
}

// reconcile converges the unit on the state recorded in the peer relation.
// Each gate that fails sets the matching status and ends the hook; a later
// hook picks up from there.
func (c *Charm) reconcile(ctx context.Context, gone broken) error {
	w := c.cfg.Workload
	installed, err := w.Installed()
	if err != nil {
		return errors.Trace(err)
	}
	if !installed {
		return errors.Trace(c.setStatus(status.ServiceNotInstalled))
	}

	peers, err := cluster.Load(c.ctx, c.env.UnitName)
	if errors.IsNotFound(err) {
		return errors.Trace(c.setStatus(status.NoPeerRelation))
	}
	if err != nil {
		return errors.Trace(err)
	}
	leader, err := c.isLeader()
	if err != nil {
		return errors.Trace(err)
	}
	if leader {
		if err := c.ensurePasswords(); err != nil {
			return errors.Trace(err)
		}
	}
	if err := c.registerUnit(peers); err != nil {
		return errors.Trace(err)
	}

	passwords, err := c.secrets.Content(secrets.ScopeApp)
	if err != nil {
		return errors.Trace(err)
	}
	if passwords[literals.SyncPasswordKey] == "" || passwords[literals.SuperPasswordKey] == "" {
		return errors.Trace(c.setStatus(status.NoPasswords))
	}
	if !peers.AllUnitsHaveIP() {
		return errors.Trace(c.setStatus(status.NotAllIP))
	}

	if leader {
		if err := c.leaderEncryption(peers, gone); err != nil {
			return errors.Trace(err)
		}
		if err := c.leaderClients(peers, passwords, gone); err != nil {
			return errors.Trace(err)
		}
	}

	state, err := c.tls.State()
	if err != nil {
		return errors.Trace(err)
	}
	if err := c.ensureCSR(peers, state, gone); err != nil {
		return errors.Trace(err)
	}
	if peers.TLS() && !state.Ready() {
		return errors.Trace(c.setStatus(status.NoCert))
	}

	local := peers.Unit(c.env.UnitName)
	started := local[cluster.StateKey] == cluster.Started
	// Lower units wait on the leader to record them as members, whether or
	// not its own server runs yet.
	if leader && !started && len(peers.StartedUnits()) > 0 {
		if _, err := c.leaderMembership(peers, passwords); err != nil {
			return errors.Trace(err)
		}
	}
	if !started && !peers.IsUnitTurn(c.env.UnitName) {
		return errors.Trace(c.setStatus(status.NotUnitTurn))
	}

	props := c.tlsProperties(peers, state)
	changed, err := c.writeConfig(peers, passwords, props, started)
	if err != nil {
		return errors.Trace(err)
	}
	fingerprint := ""
	if props != nil {
		fingerprint = state.Fingerprint()
	}
	bounced := true
	switch {
	case !started:
		logger.Infof("starting zookeeper on %s", c.env.UnitName)
		if err := w.Start(); err != nil {
			return errors.Annotate(err, "starting zookeeper")
		}
	case changed || local[cluster.CertificateKey] != fingerprint:
		logger.Infof("restarting zookeeper on %s", c.env.UnitName)
		if err := w.Restart(); err != nil {
			return errors.Annotate(err, "restarting zookeeper")
		}
	default:
		bounced = false
	}
	if bounced {
		if err := c.waitHealthy(); err != nil {
			logger.Warningf("%v", err)
			return errors.Trace(c.setStatus(status.ServiceUnhealthy))
		}
	}

	quorum, unified := cluster.QuorumNonSSL, ""
	if props != nil && props.SSLQuorum {
		quorum = cluster.QuorumSSL
	}
	if props != nil && props.PortUnification {
		unified = unifiedTrue
	}
	err = c.setUnitData(peers, map[string]string{
		cluster.StateKey:           cluster.Started,
		cluster.QuorumKey:          quorum,
		cluster.UnifiedKey:         unified,
		cluster.CertificateKey:     fingerprint,
		cluster.PasswordRotatedKey: peers.AppData[cluster.RotatePasswordsKey],
	})
	if err != nil {
		return errors.Trace(err)
	}

	if err := c.restoreStep(ctx, peers, leader); err != nil {
		return errors.Trace(err)
	}
	if leader {
		if err := c.leaderEnsemble(peers, passwords, state, gone); err != nil {
			return errors.Trace(err)
		}
	}
	s, err := c.unitStatus(peers, leader, gone)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.setStatus(s))
}

// registerUnit publishes the unit's address in its peer databag.
func (c *Charm) registerUnit(peers *cluster.Peers) error {
	ip, err := c.ctx.IngressAddress(literals.Peer)
	if err != nil {
		return errors.Annotate(err, "reading ingress address")
	}
	host, _, err := c.cfg.Hostname()
	if err != nil {
		return errors.Annotate(err, "reading hostname")
	}
	return errors.Trace(c.setUnitData(peers, map[string]string{
		cluster.IPKey:       ip,
		cluster.HostnameKey: host,
	}))
}

func (c *Charm) waitHealthy() error {
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			if !c.cfg.Workload.Healthy() {
				return errors.New("zookeeper not answering ruok")
			}
			return nil
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debugf("waiting for zookeeper (attempt %d): %v", attempt, err)
		},
		Attempts: c.cfg.StartAttempts,
		Delay:    c.cfg.StartDelay,
		Clock:    c.cfg.Clock,
	})
	if retry.IsAttemptsExceeded(err) {
		return errors.Annotatef(retry.LastError(err), "zookeeper unhealthy after %d attempts", c.cfg.StartAttempts)
	}
	return errors.Trace(err)
}

// tlsProperties returns the TLS settings of zoo.cfg, nil while the unit
// serves plaintext only.
func (c *Charm) tlsProperties(peers *cluster.Peers, state tls.State) *config.TLSProperties {
	if !peers.TLS() || !state.Ready() {
		return nil
	}
	return &config.TLSProperties{
		KeystorePassword:   state.KeystorePassword,
		TruststorePassword: state.TruststorePassword,
		SSLQuorum:          peers.Quorum() == cluster.QuorumSSL,
		PortUnification:    peers.Switching() || !peers.AllUnitsQuorum(),
	}
}

// writeConfig renders every file the server reads and reports whether the
// running server must restart to pick them up.
func (c *Charm) writeConfig(peers *cluster.Peers, passwords map[string]string, props *config.TLSProperties, started bool) (bool, error) {
	attrs, err := c.ctx.ConfigGet()
	if err != nil {
		return false, errors.Trace(err)
	}
	cfg, err := config.ParseCharmConfig(attrs)
	if err != nil {
		return false, errors.Trace(err)
	}
	w := c.cfg.Workload

	id, err := cluster.ServerID(c.env.UnitName)
	if err != nil {
		return false, errors.Trace(err)
	}
	if _, err := w.WriteMyID(id); err != nil {
		return false, errors.Trace(err)
	}

	restart := false
	zooCfg := config.NewProperties(cfg, props).Render()
	existing, err := w.ReadConf(config.ZooCfgFile)
	if err != nil && !errors.IsNotFound(err) {
		return false, errors.Trace(err)
	}
	if keys := config.Changed(existing, zooCfg); len(keys) > 0 && existing != "" {
		logger.Infof("zoo.cfg changed: %s", strings.Join(keys, ", "))
		restart = true
	}
	if _, err := w.WriteConf(config.ZooCfgFile, zooCfg); err != nil {
		return false, errors.Trace(err)
	}
	// The running server owns the dynamic file once it has joined.
	if !started {
		dynamic := config.DynamicConfig(peers.QuorumServers(), false)
		if _, err := w.WriteConf(config.DynamicConfigFile, dynamic); err != nil {
			return false, errors.Trace(err)
		}
	}

	superPassword := passwords[literals.SuperPasswordKey]
	jaas := config.JAAS{
		SyncPassword:  passwords[literals.SyncPasswordKey],
		SuperPassword: superPassword,
		Users:         provider.Users(peers.AppData),
	}
	if err := jaas.Validate(); err != nil {
		return false, errors.Trace(err)
	}
	jaasChanged, err := w.WriteConf(config.JAASFile, jaas.Render())
	if err != nil {
		return false, errors.Trace(err)
	}
	if _, err := w.WriteConf(config.ClientJAASFile, config.ClientJAAS(superPassword)); err != nil {
		return false, errors.Trace(err)
	}
	if _, err := w.WriteConf(config.Log4jFile, config.Log4j(cfg, literals.Paths[literals.PathLogs])); err != nil {
		return false, errors.Trace(err)
	}
	superDigest := zkclient.SuperDigest(literals.SuperUser, superPassword)
	flagsChanged, err := w.WriteJVMFlags(config.JVMOptions(literals.Paths[literals.PathConf], superDigest))
	if err != nil {
		return false, errors.Trace(err)
	}
	return restart || jaasChanged || flagsChanged, nil
}

// setUnitData writes the values that differ from the unit's databag.
func (c *Charm) setUnitData(peers *cluster.Peers, values map[string]string) error {
	current := peers.Unit(c.env.UnitName)
	updates := diff(current, values)
	if len(updates) == 0 {
		return nil
	}
	if err := c.ctx.RelationSet(peers.RelationID, false, updates); err != nil {
		return errors.Annotate(err, "updating unit peer data")
	}
	peers.Units[c.env.UnitName] = apply(current, updates)
	return nil
}

// setAppData writes the values that differ from the application databag.
func (c *Charm) setAppData(peers *cluster.Peers, values map[string]string) error {
	updates := diff(peers.AppData, values)
	if len(updates) == 0 {
		return nil
	}
	if err := c.ctx.RelationSet(peers.RelationID, true, updates); err != nil {
		return errors.Annotate(err, "updating application peer data")
	}
	peers.AppData = apply(peers.AppData, updates)
	return nil
}

func diff(current, values map[string]string) map[string]string {
	updates := make(map[string]string)
	for k, v := range values {
		if current[k] != v {
			updates[k] = v
		}
	}
	return updates
}

func apply(current, updates map[string]string) map[string]string {
	out := make(map[string]string, len(current)+len(updates))
	for k, v := range current {
		out[k] = v
	}
	for k, v := range updates {
		if v == "" {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// unitStatus picks the status reported once the unit has converged.
func (c *Charm) unitStatus(peers *cluster.Peers, leader bool, gone broken) (status.Status, error) {
	w := c.cfg.Workload
	if peers.AppData[cluster.RestoreKey] != "" {
		return status.OngoingRestore, nil
	}
	running, err := w.Running()
	if err != nil {
		return 0, errors.Trace(err)
	}
	if !running {
		return status.ServiceNotRunning, nil
	}
	if !w.Healthy() {
		return status.ServiceUnhealthy, nil
	}
	if mode, err := w.Mode(); err != nil || (mode != "leader" && mode != "follower") {
		logger.Debugf("server mode %q: %v", mode, err)
		return status.ServiceNotQuorum, nil
	}
	if s := peers.Stable(); s != status.Active {
		return s, nil
	}
	if s := peers.Ready(); s != status.Active {
		return s, nil
	}
	if leader {
		if !peers.PasswordsRotated() {
			return status.RotatingPasswords, nil
		}
		return c.s3Status(gone)
	}
	return status.Active, nil
}

func (c *Charm) logHealth(ctx context.Context) {
	ip, err := c.ctx.IngressAddress(literals.Peer)
	if err != nil {
		logger.Debugf("reading ingress address: %v", err)
		return
	}
	health, err := c.cfg.Health(ctx, ip)
	if err != nil {
		logger.Debugf("scraping metrics: %v", err)
		return
	}
	if health.Degraded() {
		logger.Warningf("ensemble degraded: %s", health)
		return
	}
	logger.Infof("ensemble health: %s", health)
}
