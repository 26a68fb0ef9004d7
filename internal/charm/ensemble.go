// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package charm

import (
	"github.com/juju/errors"

	"github.com/canonical/zookeeper-operator/core/literals"
	"github.com/canonical/zookeeper-operator/core/status"
	"github.com/canonical/zookeeper-operator/internal/cluster"
	"github.com/canonical/zookeeper-operator/internal/provider"
	"github.com/canonical/zookeeper-operator/internal/tls"
	"github.com/canonical/zookeeper-operator/internal/zkclient"
)

// zooKeeper returns an administrative client for the started servers.
func (c *Charm) zooKeeper(peers *cluster.Peers, passwords map[string]string) ZooKeeper {
	hosts := zkclient.HostsWithPort(peers.Addresses(), literals.ClientPort)
	return c.cfg.NewZooKeeper(hosts, literals.SuperUser, passwords[literals.SuperPasswordKey])
}

// relationExists reports whether endpoint has a live relation, ignoring one
// being broken in this hook.
func (c *Charm) relationExists(endpoint string, gone broken) (string, bool, error) {
	ids, err := c.ctx.RelationIDs(endpoint)
	if err != nil {
		return "", false, errors.Trace(err)
	}
	for _, id := range ids {
		if gone.endpoint == endpoint && gone.relationID == id {
			continue
		}
		return id, true, nil
	}
	return "", false, nil
}

// leaderEncryption drives the switch between plaintext and TLS. Enabling
// TLS rolls port unification through every unit before quorum traffic is
// encrypted; disabling it drops TLS at once since the certificates are gone.
func (c *Charm) leaderEncryption(peers *cluster.Peers, gone broken) error {
	_, want, err := c.relationExists(literals.CertsRelName, gone)
	if err != nil {
		return errors.Trace(err)
	}
	var updates map[string]string
	switch {
	case want && !peers.TLS():
		logger.Infof("enabling TLS")
		updates = map[string]string{
			cluster.TLSKey:       cluster.Enabled,
			cluster.SwitchingKey: cluster.Started,
		}
	case !want && peers.TLS():
		logger.Infof("disabling TLS")
		updates = map[string]string{
			cluster.TLSKey:       "",
			cluster.SwitchingKey: "",
			cluster.QuorumKey:    cluster.QuorumNonSSL,
		}
	case peers.Switching() && peers.AllUnitsUnified():
		logger.Infof("every unit accepts TLS, encrypting quorum traffic")
		updates = map[string]string{
			cluster.QuorumKey:    cluster.QuorumSSL,
			cluster.SwitchingKey: "",
		}
	}
	return errors.Trace(c.setAppData(peers, updates))
}

// leaderClients records a password and chroot for every client relation
// and drops the credentials of a broken one. Units render their JAAS
// config from the result.
func (c *Charm) leaderClients(peers *cluster.Peers, passwords map[string]string, gone broken) error {
	requests, err := provider.Requests(c.ctx, brokenClient(gone))
	if err != nil {
		return errors.Trace(err)
	}
	p := provider.New(c.ctx, c.zooKeeper(peers, passwords), passwords[literals.SuperPasswordKey])
	p.NewPassword = c.cfg.NewPassword
	updates, err := p.Credentials(requests, peers.AppData)
	if err != nil {
		return errors.Trace(err)
	}
	if gone.endpoint == literals.RelName {
		removed, err := p.Remove(gone.relationID, peers.AppData)
		if err != nil {
			return errors.Trace(err)
		}
		for k, v := range removed {
			updates[k] = v
		}
	}
	return errors.Trace(c.setAppData(peers, updates))
}

func brokenClient(gone broken) string {
	if gone.endpoint == literals.RelName {
		return gone.relationID
	}
	return ""
}

// leaderMembership records started peers as ensemble members and drops
// departed ones. It reports false when the ensemble could not be reached.
func (c *Charm) leaderMembership(peers *cluster.Peers, passwords map[string]string) (bool, error) {
	updates, err := cluster.Reconcile(peers, c.zooKeeper(peers, passwords), false)
	if err != nil {
		// The next hook retries against a settled ensemble.
		logger.Warningf("reconciling ensemble membership: %v", err)
		return false, nil
	}
	return true, errors.Trace(c.setAppData(peers, updates))
}

// leaderEnsemble reconciles quorum membership and, once the ensemble is
// settled, publishes connection details to every client.
func (c *Charm) leaderEnsemble(peers *cluster.Peers, passwords map[string]string, state tls.State, gone broken) error {
	ok, err := c.leaderMembership(peers, passwords)
	if err != nil || !ok {
		return errors.Trace(err)
	}
	if s := peers.Stable(); s != status.Active {
		logger.Debugf("not publishing to clients: %s", s)
		return nil
	}
	if s := peers.Ready(); s != status.Active {
		logger.Debugf("not publishing to clients: %s", s)
		return nil
	}
	requests, err := provider.Requests(c.ctx, brokenClient(gone))
	if err != nil {
		return errors.Trace(err)
	}
	p := provider.New(c.ctx, c.zooKeeper(peers, passwords), passwords[literals.SuperPasswordKey])
	endpoints := provider.Endpoints{
		Addresses: peers.Addresses(),
		TLS:       peers.TLS(),
		CA:        state.CA,
	}
	return errors.Trace(p.Publish(requests, peers.AppData, endpoints))
}

// ensureCSR publishes a certificate request once the unit knows its
// addresses and a certificates relation exists.
func (c *Charm) ensureCSR(peers *cluster.Peers, state tls.State, gone broken) error {
	relationID, ok, err := c.relationExists(literals.CertsRelName, gone)
	if err != nil || !ok || state.CSR != "" {
		return errors.Trace(err)
	}
	local := peers.Unit(c.env.UnitName)
	host, fqdn, err := c.cfg.Hostname()
	if err != nil {
		return errors.Annotate(err, "reading hostname")
	}
	sans := tls.SANs{
		Unit:     c.env.UnitName,
		IP:       local[cluster.IPKey],
		Hostname: host,
		FQDN:     fqdn,
	}
	return errors.Trace(c.tls.RequestCertificate(relationID, sans))
}

func (c *Charm) certificatesEvent(kind string) error {
	switch kind {
	case "changed":
		updated, err := c.tls.CertificateAvailable(c.env.RelationID)
		if err != nil {
			return errors.Trace(err)
		}
		if updated {
			logger.Infof("certificate for %s updated", c.env.UnitName)
		}
	case "broken":
		if err := c.tls.Remove(); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}
