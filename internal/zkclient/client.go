// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package zkclient talks to a running ensemble: membership reconfiguration,
// znode and ACL management, and four letter word health checks.
package zkclient

import (
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("zookeeper.zkclient")

// ConfigZNode holds the ensemble's dynamic configuration.
const ConfigZNode = "/zookeeper/config"

// DefaultTimeout bounds connections and four letter word requests.
const DefaultTimeout = 10 * time.Second

// Conn is the subset of *zk.Conn the charm uses.
type Conn interface {
	AddAuth(scheme string, auth []byte) error
	Get(path string) ([]byte, *zk.Stat, error)
	Exists(path string) (bool, *zk.Stat, error)
	Children(path string) ([]string, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Delete(path string, version int32) error
	GetACL(path string) ([]zk.ACL, *zk.Stat, error)
	SetACL(path string, acl []zk.ACL, version int32) (*zk.Stat, error)
	IncrementalReconfig(joining, leaving []string, version int64) (*zk.Stat, error)
	Close()
}

var _ Conn = (*zk.Conn)(nil)

// Dialer opens a session against hosts.
type Dialer func(hosts []string, timeout time.Duration) (Conn, error)

// Dial connects with go-zookeeper, logging its chatter at debug level.
func Dial(hosts []string, timeout time.Duration) (Conn, error) {
	conn, _, err := zk.Connect(hosts, timeout, zk.WithLogger(zkLogger{logger}))
	if err != nil {
		return nil, errors.Annotatef(err, "connecting to %s", strings.Join(hosts, ","))
	}
	return conn, nil
}

type zkLogger struct {
	loggo.Logger
}

// Printf implements zk.Logger.
func (l zkLogger) Printf(format string, args ...interface{}) {
	l.Debugf(format, args...)
}

// Manager runs administrative operations as a digest authenticated user.
type Manager struct {
	// Hosts are host:port client addresses of every server.
	Hosts    []string
	Username string
	Password string
	Timeout  time.Duration

	Dial Dialer
	Srvr func(servers []string, timeout time.Duration) ([]*zk.ServerStats, bool)
	Ruok func(servers []string, timeout time.Duration) []bool
}

// NewManager returns a Manager using the go-zookeeper client.
func NewManager(hosts []string, username, password string) *Manager {
	return &Manager{
		Hosts:    hosts,
		Username: username,
		Password: password,
		Timeout:  DefaultTimeout,
		Dial:     Dial,
		Srvr:     zk.FLWSrvr,
		Ruok:     zk.FLWRuok,
	}
}

func (m *Manager) connect(hosts []string) (Conn, error) {
	conn, err := m.Dial(hosts, m.Timeout)
	if err != nil {
		return nil, errors.Trace(err)
	}
	auth := []byte(m.Username + ":" + m.Password)
	if err := conn.AddAuth(SchemeDigest, auth); err != nil {
		conn.Close()
		return nil, errors.Annotatef(err, "authenticating as %q", m.Username)
	}
	return conn, nil
}

// Leader returns the client address of the server currently leading.
func (m *Manager) Leader() (string, error) {
	stats, _ := m.Srvr(m.Hosts, m.Timeout)
	for i, s := range stats {
		if s == nil || s.Error != nil {
			continue
		}
		if s.Mode == zk.ModeLeader && i < len(m.Hosts) {
			return m.Hosts[i], nil
		}
	}
	return "", errors.NotFoundf("ensemble leader among %s", strings.Join(m.Hosts, ","))
}

// Members is the ensemble membership read from the config znode.
type Members struct {
	// Servers are server.N=... entries keyed by server id.
	Servers map[int]string
	Version int64
}

// IDs returns the sorted server ids.
func (m Members) IDs() []int {
	ids := make([]int, 0, len(m.Servers))
	for id := range m.Servers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// ParseMembers reads the content of the config znode, e.g.
//
//	server.1=10.0.0.1:2888:3888:participant;0.0.0.0:2181
//	version=100000002
func ParseMembers(data string) (Members, error) {
	members := Members{Servers: make(map[int]string)}
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch {
		case key == "version":
			v, err := strconv.ParseInt(value, 16, 64)
			if err != nil {
				return Members{}, errors.NotValidf("config version %q", value)
			}
			members.Version = v
		case strings.HasPrefix(key, "server."):
			id, err := strconv.Atoi(strings.TrimPrefix(key, "server."))
			if err != nil {
				return Members{}, errors.NotValidf("server id in %q", line)
			}
			members.Servers[id] = line
		}
	}
	return members, nil
}

// ServerMembers reads the current membership from the leader.
func (m *Manager) ServerMembers() (Members, error) {
	conn, err := m.leaderConn()
	if err != nil {
		return Members{}, errors.Trace(err)
	}
	defer conn.Close()
	return serverMembers(conn)
}

func serverMembers(conn Conn) (Members, error) {
	data, _, err := conn.Get(ConfigZNode)
	if err != nil {
		return Members{}, errors.Annotatef(err, "reading %s", ConfigZNode)
	}
	members, err := ParseMembers(string(data))
	return members, errors.Trace(err)
}

func (m *Manager) leaderConn() (Conn, error) {
	leader, err := m.Leader()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return m.connect([]string{leader})
}

// AddMembers adds server lines to the ensemble. Servers whose id is
// already a member are skipped.
func (m *Manager) AddMembers(lines []string) error {
	conn, err := m.leaderConn()
	if err != nil {
		return errors.Trace(err)
	}
	defer conn.Close()
	members, err := serverMembers(conn)
	if err != nil {
		return errors.Trace(err)
	}
	var joining []string
	for _, line := range lines {
		id, err := serverID(line)
		if err != nil {
			return errors.Trace(err)
		}
		if _, ok := members.Servers[id]; ok {
			continue
		}
		joining = append(joining, line)
	}
	if len(joining) == 0 {
		return nil
	}
	logger.Infof("adding %v to the ensemble", joining)
	if _, err := conn.IncrementalReconfig(joining, nil, -1); err != nil {
		return errors.Annotatef(err, "reconfig adding %v", joining)
	}
	return nil
}

// RemoveMembers removes server ids from the ensemble. Ids that are not
// members are skipped.
func (m *Manager) RemoveMembers(ids []int) error {
	conn, err := m.leaderConn()
	if err != nil {
		return errors.Trace(err)
	}
	defer conn.Close()
	members, err := serverMembers(conn)
	if err != nil {
		return errors.Trace(err)
	}
	var leaving []string
	for _, id := range ids {
		if _, ok := members.Servers[id]; ok {
			leaving = append(leaving, strconv.Itoa(id))
		}
	}
	if len(leaving) == 0 {
		return nil
	}
	logger.Infof("removing servers %v from the ensemble", leaving)
	if _, err := conn.IncrementalReconfig(nil, leaving, -1); err != nil {
		return errors.Annotatef(err, "reconfig removing %v", leaving)
	}
	return nil
}

func serverID(line string) (int, error) {
	key, _, _ := strings.Cut(line, "=")
	id, err := strconv.Atoi(strings.TrimPrefix(key, "server."))
	if err != nil || !strings.HasPrefix(key, "server.") {
		return 0, errors.NotValidf("server line %q", line)
	}
	return id, nil
}

// CreateZNodes creates every missing component of each path, then sets
// acls on the leaf.
func (m *Manager) CreateZNodes(paths []string, acls []zk.ACL) error {
	conn, err := m.leaderConn()
	if err != nil {
		return errors.Trace(err)
	}
	defer conn.Close()
	for _, p := range paths {
		if err := createPath(conn, p, acls); err != nil {
			return errors.Trace(err)
		}
		if _, err := conn.SetACL(p, acls, -1); err != nil {
			return errors.Annotatef(err, "setting acls on %s", p)
		}
	}
	return nil
}

func createPath(conn Conn, p string, acls []zk.ACL) error {
	if !path.IsAbs(p) {
		return errors.NotValidf("znode path %q", p)
	}
	current := ""
	for _, part := range strings.Split(strings.Trim(p, "/"), "/") {
		current += "/" + part
		exists, _, err := conn.Exists(current)
		if err != nil {
			return errors.Annotatef(err, "checking %s", current)
		}
		if exists {
			continue
		}
		if _, err := conn.Create(current, nil, 0, acls); err != nil && err != zk.ErrNodeExists {
			return errors.Annotatef(err, "creating %s", current)
		}
	}
	return nil
}

// SetACLs replaces the acls of a znode.
func (m *Manager) SetACLs(p string, acls []zk.ACL) error {
	conn, err := m.leaderConn()
	if err != nil {
		return errors.Trace(err)
	}
	defer conn.Close()
	if _, err := conn.SetACL(p, acls, -1); err != nil {
		return errors.Annotatef(err, "setting acls on %s", p)
	}
	return nil
}

// GetACL returns the acls of a znode.
func (m *Manager) GetACL(p string) ([]zk.ACL, error) {
	conn, err := m.connect(m.Hosts)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer conn.Close()
	acls, _, err := conn.GetACL(p)
	if err == zk.ErrNoNode {
		return nil, errors.NotFoundf("znode %s", p)
	}
	return acls, errors.Annotatef(err, "reading acls of %s", p)
}

// RevokeACLs drops every acl entry whose id is user, keeping the rest. A
// znode left without acls falls back to super only access.
func (m *Manager) RevokeACLs(p, user string) error {
	conn, err := m.leaderConn()
	if err != nil {
		return errors.Trace(err)
	}
	defer conn.Close()
	acls, _, err := conn.GetACL(p)
	if err == zk.ErrNoNode {
		return nil
	}
	if err != nil {
		return errors.Annotatef(err, "reading acls of %s", p)
	}
	kept := acls[:0]
	for _, acl := range acls {
		if acl.ID == user || strings.HasPrefix(acl.ID, user+":") {
			continue
		}
		kept = append(kept, acl)
	}
	if len(kept) == 0 {
		kept = []zk.ACL{DigestACL(m.Username, m.Password, zk.PermAll)}
	}
	if _, err := conn.SetACL(p, kept, -1); err != nil {
		return errors.Annotatef(err, "setting acls on %s", p)
	}
	return nil
}

// Exists reports whether a znode exists.
func (m *Manager) Exists(p string) (bool, error) {
	conn, err := m.connect(m.Hosts)
	if err != nil {
		return false, errors.Trace(err)
	}
	defer conn.Close()
	exists, _, err := conn.Exists(p)
	return exists, errors.Annotatef(err, "checking %s", p)
}

// DeleteZNode deletes a znode and everything under it.
func (m *Manager) DeleteZNode(p string) error {
	conn, err := m.leaderConn()
	if err != nil {
		return errors.Trace(err)
	}
	defer conn.Close()
	return errors.Trace(deleteRecursive(conn, p))
}

func deleteRecursive(conn Conn, p string) error {
	children, _, err := conn.Children(p)
	if err == zk.ErrNoNode {
		return nil
	}
	if err != nil {
		return errors.Annotatef(err, "listing %s", p)
	}
	for _, child := range children {
		if err := deleteRecursive(conn, path.Join(p, child)); err != nil {
			return errors.Trace(err)
		}
	}
	if err := conn.Delete(p, -1); err != nil && err != zk.ErrNoNode {
		return errors.Annotatef(err, "deleting %s", p)
	}
	return nil
}

// PingServers sends ruok to every host, returning an error naming those
// that did not answer imok.
func (m *Manager) PingServers() error {
	var failed []string
	for i, ok := range m.Ruok(m.Hosts, m.Timeout) {
		if !ok && i < len(m.Hosts) {
			failed = append(failed, m.Hosts[i])
		}
	}
	if len(failed) > 0 {
		return errors.Errorf("servers not serving requests: %s", strings.Join(failed, ", "))
	}
	return nil
}

// HostsWithPort joins addresses with the client port.
func HostsWithPort(addresses []string, port int) []string {
	hosts := set.NewStrings()
	for _, a := range addresses {
		if a != "" {
			hosts.Add(fmt.Sprintf("%s:%d", a, port))
		}
	}
	return hosts.SortedValues()
}
