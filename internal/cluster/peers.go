// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package cluster models the ensemble as recorded in the peer relation and
// decides when units may start and when the cluster is stable.
package cluster

import (
	"sort"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/names/v5"

	"github.com/canonical/zookeeper-operator/core/literals"
	"github.com/canonical/zookeeper-operator/core/status"
	"github.com/canonical/zookeeper-operator/internal/config"
	"github.com/canonical/zookeeper-operator/internal/hookenv"
)

var logger = loggo.GetLogger("zookeeper.cluster")

// Application databag keys.
const (
	QuorumKey          = "quorum"
	TLSKey             = "tls"
	SwitchingKey       = "switching-encryption"
	RestoreKey         = "restore"
	RotatePasswordsKey = "rotate-passwords"
)

// Unit databag keys.
const (
	IPKey              = "ip"
	HostnameKey        = "hostname"
	StateKey           = "state"
	UnifiedKey         = "unified"
	CertificateKey     = "certificate"
	PasswordRotatedKey = "password-rotated"
)

// Databag values.
const (
	QuorumSSL    = "ssl"
	QuorumNonSSL = "non-ssl"

	Enabled = "enabled"
	Started = "started"
	Added   = "added"
	Removed = "removed"
)

// Peers is a snapshot of the peer relation taken in one hook.
type Peers struct {
	RelationID string
	// Local is the unit running the hook.
	Local   string
	AppData map[string]string
	// Units holds the databag of every peer, Local included.
	Units map[string]map[string]string
	// Planned lists the units the model expects to exist.
	Planned []string
}

// Load reads the peer relation. It returns NotFound before the relation
// is created.
func Load(ctx hookenv.Context, local string) (*Peers, error) {
	ids, err := ctx.RelationIDs(literals.Peer)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(ids) == 0 {
		return nil, errors.NotFoundf("%s relation", literals.Peer)
	}
	app, err := names.UnitApplication(local)
	if err != nil {
		return nil, errors.Trace(err)
	}
	p := &Peers{
		RelationID: ids[0],
		Local:      local,
		Units:      make(map[string]map[string]string),
	}
	if p.AppData, err = ctx.RelationGet(p.RelationID, app, true); err != nil {
		return nil, errors.Annotate(err, "reading peer application data")
	}
	others, err := ctx.RelationList(p.RelationID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	for _, unit := range append(others, local) {
		data, err := ctx.RelationGet(p.RelationID, unit, false)
		if err != nil {
			return nil, errors.Annotatef(err, "reading peer data of %s", unit)
		}
		p.Units[unit] = data
	}
	if p.Planned, err = ctx.GoalStateUnits(); err != nil {
		return nil, errors.Trace(err)
	}
	return p, nil
}

// ServerID returns the ensemble id of a unit, its unit number plus one.
func ServerID(unit string) (int, error) {
	if !names.IsValidUnit(unit) {
		return 0, errors.NotValidf("unit name %q", unit)
	}
	return names.NewUnitTag(unit).Number() + 1, nil
}

// Unit returns the databag of a peer, empty when unknown.
func (p *Peers) Unit(unit string) map[string]string {
	if data, ok := p.Units[unit]; ok {
		return data
	}
	return map[string]string{}
}

// UnitNames returns the peers ordered by server id.
func (p *Peers) UnitNames() []string {
	units := make([]string, 0, len(p.Units))
	for unit := range p.Units {
		units = append(units, unit)
	}
	sort.Slice(units, func(i, j int) bool {
		a, _ := ServerID(units[i])
		b, _ := ServerID(units[j])
		return a < b
	})
	return units
}

// StartedUnits returns the peers whose server is running, ordered by id.
func (p *Peers) StartedUnits() []string {
	var started []string
	for _, unit := range p.UnitNames() {
		if p.Units[unit][StateKey] == Started {
			started = append(started, unit)
		}
	}
	return started
}

// Quorum is the encryption the ensemble runs its quorum traffic with.
func (p *Peers) Quorum() string {
	if q := p.AppData[QuorumKey]; q != "" {
		return q
	}
	return QuorumNonSSL
}

// TLS reports whether client TLS has been requested.
func (p *Peers) TLS() bool {
	return p.AppData[TLSKey] == Enabled
}

// Switching reports whether an encryption switch is rolling through.
func (p *Peers) Switching() bool {
	return p.AppData[SwitchingKey] == Started
}

// AllUnitsHaveIP reports whether every peer published its address.
func (p *Peers) AllUnitsHaveIP() bool {
	for _, data := range p.Units {
		if data[IPKey] == "" {
			return false
		}
	}
	return true
}

// AllUnitsRelated reports whether every planned unit joined the relation.
func (p *Peers) AllUnitsRelated() bool {
	if len(p.Planned) == 0 {
		return true
	}
	joined := set.NewStrings()
	for unit := range p.Units {
		joined.Add(unit)
	}
	return set.NewStrings(p.Planned...).Difference(joined).IsEmpty()
}

// AllUnitsAdded reports whether the leader recorded every peer as an
// ensemble member.
func (p *Peers) AllUnitsAdded() bool {
	for unit := range p.Units {
		if p.AppData[unit] != Added {
			return false
		}
	}
	return true
}

// StaleMembers returns units recorded as members that are no longer peers.
func (p *Peers) StaleMembers() []string {
	var stale []string
	for key, value := range p.AppData {
		if value != Added || !names.IsValidUnit(key) {
			continue
		}
		if _, ok := p.Units[key]; !ok {
			stale = append(stale, key)
		}
	}
	sort.Strings(stale)
	return stale
}

// StaleQuorum reports whether departed units are still ensemble members.
func (p *Peers) StaleQuorum() bool {
	return len(p.StaleMembers()) > 0
}

// AllUnitsQuorum reports whether every peer runs the application's quorum
// encryption.
func (p *Peers) AllUnitsQuorum() bool {
	quorum := p.Quorum()
	for _, data := range p.Units {
		unitQuorum := data[QuorumKey]
		if unitQuorum == "" {
			unitQuorum = QuorumNonSSL
		}
		if unitQuorum != quorum {
			return false
		}
	}
	return true
}

// AllUnitsUnified reports whether every peer has port unification on.
func (p *Peers) AllUnitsUnified() bool {
	if len(p.Units) == 0 {
		return false
	}
	for _, data := range p.Units {
		if data[UnifiedKey] != "true" {
			return false
		}
	}
	return true
}

// PasswordsRotated reports whether every started peer has restarted with
// the latest internal user passwords.
func (p *Peers) PasswordsRotated() bool {
	generation := p.AppData[RotatePasswordsKey]
	if generation == "" {
		return true
	}
	for _, unit := range p.StartedUnits() {
		if p.Units[unit][PasswordRotatedKey] != generation {
			logger.Debugf("%s still on passwords before rotation %s", unit, generation)
			return false
		}
	}
	return true
}

// IsUnitTurn reports whether unit may start its server: every peer with a
// lower server id must already be started and added. The lowest unit
// bootstraps the ensemble and may always start.
func (p *Peers) IsUnitTurn(unit string) bool {
	id, err := ServerID(unit)
	if err != nil {
		return false
	}
	for _, other := range p.UnitNames() {
		otherID, _ := ServerID(other)
		if otherID >= id {
			break
		}
		if p.Units[other][StateKey] != Started || p.AppData[other] != Added {
			logger.Debugf("%s waiting on %s", unit, other)
			return false
		}
	}
	return true
}

// Stable returns the first reason the ensemble membership is not settled,
// or status.Active.
func (p *Peers) Stable() status.Status {
	switch {
	case !p.AllUnitsRelated():
		return status.NotAllRelated
	case p.StaleQuorum():
		return status.StaleQuorum
	case !p.AllUnitsAdded():
		return status.NotAllAdded
	}
	return status.Active
}

// Ready returns the first reason the ensemble cannot serve clients yet,
// or status.Active.
func (p *Peers) Ready() status.Status {
	switch {
	case !p.AllUnitsQuorum():
		return status.NotAllQuorum
	case p.Switching():
		return status.SwitchingEncryption
	case p.AllUnitsUnified():
		return status.AllUnified
	}
	return status.Active
}

// QuorumServers returns the ensemble participants: every started peer plus
// the local unit.
func (p *Peers) QuorumServers() []config.Server {
	units := set.NewStrings(p.StartedUnits()...)
	units.Add(p.Local)
	var servers []config.Server
	for _, unit := range p.UnitNames() {
		ip := p.Units[unit][IPKey]
		if !units.Contains(unit) || ip == "" {
			continue
		}
		id, _ := ServerID(unit)
		servers = append(servers, config.Server{ID: id, Host: ip})
	}
	return servers
}

// Addresses returns the IPs of started peers, ordered by server id.
func (p *Peers) Addresses() []string {
	var ips []string
	for _, unit := range p.StartedUnits() {
		if ip := p.Units[unit][IPKey]; ip != "" {
			ips = append(ips, ip)
		}
	}
	return ips
}
