// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package cluster

import (
	"github.com/juju/errors"

	"github.com/canonical/zookeeper-operator/internal/config"
	"github.com/canonical/zookeeper-operator/internal/zkclient"
)

// Membership changes the servers taking part in the ensemble.
type Membership interface {
	ServerMembers() (zkclient.Members, error)
	AddMembers(lines []string) error
	RemoveMembers(ids []int) error
}

// Reconcile brings the ensemble membership in line with the started peers
// and returns the application databag updates recording the result. Only
// the leader runs it.
func Reconcile(p *Peers, m Membership, ssl bool) (map[string]string, error) {
	members, err := m.ServerMembers()
	if err != nil {
		return nil, errors.Trace(err)
	}
	updates := make(map[string]string)

	var joining []string
	for _, unit := range p.StartedUnits() {
		id, err := ServerID(unit)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if _, ok := members.Servers[id]; ok {
			if p.AppData[unit] != Added {
				updates[unit] = Added
			}
			continue
		}
		ip := p.Units[unit][IPKey]
		if ip == "" {
			continue
		}
		joining = append(joining, config.ServerLine(id, ip, ssl))
		updates[unit] = Added
	}
	if len(joining) > 0 {
		if err := m.AddMembers(joining); err != nil {
			return nil, errors.Trace(err)
		}
	}

	var leaving []int
	for _, unit := range p.StaleMembers() {
		id, err := ServerID(unit)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if _, ok := members.Servers[id]; ok {
			leaving = append(leaving, id)
		}
		updates[unit] = Removed
	}
	if len(leaving) > 0 {
		if err := m.RemoveMembers(leaving); err != nil {
			return nil, errors.Trace(err)
		}
	}
	if len(updates) > 0 {
		logger.Infof("ensemble membership updates: %v", updates)
	}
	return updates, nil
}
