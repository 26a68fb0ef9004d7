// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package provider serves the zookeeper relation: every related client
// application gets a user, a chroot znode guarded by ACLs, and the
// connection details it needs.
package provider

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/go-zookeeper/zk"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/utils/v4"

	"github.com/canonical/zookeeper-operator/core/literals"
	"github.com/canonical/zookeeper-operator/internal/hookenv"
	"github.com/canonical/zookeeper-operator/internal/zkclient"
)

var logger = loggo.GetLogger("zookeeper.provider")

// Keys the client application requests with.
const (
	DatabaseKey       = "database"
	ChrootKey         = "chroot"
	ExtraUserRolesKey = "extra-user-roles"
)

// Keys published to the client application.
const (
	UsernameKey  = "username"
	PasswordKey  = "password"
	EndpointsKey = "endpoints"
	URIsKey      = "uris"
	TLSKey       = "tls"
	TLSCAKey     = "tls-ca"
)

// DefaultPerms is granted when the client asks for no extra roles.
const DefaultPerms = "cdrwa"

const chrootSuffix = "-chroot"

var usernameRe = regexp.MustCompile(`^relation-\d+$`)

// Username returns the user a client relation authenticates as.
func Username(relationID string) (string, error) {
	_, id, ok := strings.Cut(relationID, ":")
	if !ok || id == "" {
		return "", errors.NotValidf("relation id %q", relationID)
	}
	return "relation-" + id, nil
}

// Users returns the client users and their passwords recorded in the peer
// application databag.
func Users(appData map[string]string) map[string]string {
	users := make(map[string]string)
	for k, v := range appData {
		if usernameRe.MatchString(k) && v != "" {
			users[k] = v
		}
	}
	return users
}

// Request is what a related application asked for.
type Request struct {
	RelationID string
	App        string
	Username   string
	Chroot     string
	Perms      string
}

// Requests reads every client relation except broken, which is being torn
// down in the current hook. Relations whose application has not asked for
// a chroot yet are skipped.
func Requests(ctx hookenv.Context, broken string) ([]Request, error) {
	ids, err := ctx.RelationIDs(literals.RelName)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var requests []Request
	for _, id := range ids {
		if id == broken {
			continue
		}
		app, err := ctx.RelationRemoteApp(id)
		if errors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, errors.Trace(err)
		}
		data, err := ctx.RelationGet(id, app, true)
		if err != nil {
			return nil, errors.Annotatef(err, "reading request of %s", app)
		}
		chroot := data[DatabaseKey]
		if chroot == "" {
			chroot = data[ChrootKey]
		}
		if chroot == "" {
			logger.Debugf("%s has not requested a chroot yet", app)
			continue
		}
		username, err := Username(id)
		if err != nil {
			return nil, errors.Trace(err)
		}
		perms := data[ExtraUserRolesKey]
		if perms == "" {
			perms = DefaultPerms
		}
		requests = append(requests, Request{
			RelationID: id,
			App:        app,
			Username:   username,
			Chroot:     path.Clean("/" + strings.Trim(chroot, "/")),
			Perms:      perms,
		})
	}
	sort.Slice(requests, func(i, j int) bool { return requests[i].Username < requests[j].Username })
	return requests, nil
}

// ACLManager creates chroots and grants or revokes access to them.
type ACLManager interface {
	CreateZNodes(paths []string, acls []zk.ACL) error
	RevokeACLs(path, user string) error
}

// Endpoints describe how clients reach the ensemble.
type Endpoints struct {
	Addresses []string
	TLS       bool
	CA        string
}

func (e Endpoints) hosts() []string {
	port := literals.ClientPort
	if e.TLS {
		port = literals.SecureClientPort
	}
	return zkclient.HostsWithPort(e.Addresses, port)
}

// Provider applies client requests. Only the leader runs it.
type Provider struct {
	ctx           hookenv.Context
	acls          ACLManager
	superPassword string

	// NewPassword generates client passwords.
	NewPassword func() (string, error)
}

// New returns a Provider.
func New(ctx hookenv.Context, acls ACLManager, superPassword string) *Provider {
	return &Provider{
		ctx:           ctx,
		acls:          acls,
		superPassword: superPassword,
		NewPassword:   utils.RandomPassword,
	}
}

// Credentials returns the peer application databag updates that give every
// request a password. Existing passwords are kept.
func (p *Provider) Credentials(requests []Request, appData map[string]string) (map[string]string, error) {
	updates := make(map[string]string)
	for _, r := range requests {
		if appData[r.Username] == "" {
			password, err := p.NewPassword()
			if err != nil {
				return nil, errors.Annotatef(err, "generating password for %s", r.Username)
			}
			updates[r.Username] = password
		}
		if appData[r.Username+chrootSuffix] != r.Chroot {
			updates[r.Username+chrootSuffix] = r.Chroot
		}
	}
	return updates, nil
}

// Publish creates each chroot with its ACLs and writes the connection
// details into the client relation. appData must already hold the
// passwords from Credentials.
func (p *Provider) Publish(requests []Request, appData map[string]string, endpoints Endpoints) error {
	hosts := endpoints.hosts()
	for _, r := range requests {
		password := appData[r.Username]
		if password == "" {
			return errors.NotFoundf("password for %s", r.Username)
		}
		perms, err := zkclient.ParsePerms(r.Perms)
		if err != nil {
			return errors.Annotatef(err, "request of %s", r.App)
		}
		acls := []zk.ACL{
			zkclient.SASLACL(r.Username, perms),
			zkclient.DigestACL(literals.SuperUser, p.superPassword, zk.PermAll),
		}
		if err := p.acls.CreateZNodes([]string{r.Chroot}, acls); err != nil {
			return errors.Annotatef(err, "creating chroot for %s", r.App)
		}
		tls := "disabled"
		if endpoints.TLS {
			tls = "enabled"
		}
		data := map[string]string{
			UsernameKey:  r.Username,
			PasswordKey:  password,
			EndpointsKey: strings.Join(hosts, ","),
			URIsKey:      URI(endpoints, r.Chroot),
			TLSKey:       tls,
			TLSCAKey:     endpoints.CA,
			ChrootKey:    r.Chroot,
			DatabaseKey:  r.Chroot,
		}
		if err := p.ctx.RelationSet(r.RelationID, true, data); err != nil {
			return errors.Annotatef(err, "publishing to %s", r.App)
		}
		logger.Infof("published %s for %s", r.Chroot, r.App)
	}
	return nil
}

// Remove revokes the user of a broken relation from its chroot and returns
// the peer application databag updates dropping its credentials. The
// chroot and its data are kept.
func (p *Provider) Remove(relationID string, appData map[string]string) (map[string]string, error) {
	username, err := Username(relationID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if chroot := appData[username+chrootSuffix]; chroot != "" {
		if err := p.acls.RevokeACLs(chroot, username); err != nil {
			return nil, errors.Annotatef(err, "revoking %s", username)
		}
	}
	return map[string]string{
		username:                "",
		username + chrootSuffix: "",
	}, nil
}

// URI returns the connection string of a chroot, e.g.
// 10.0.0.1:2181,10.0.0.2:2181/app.
func URI(endpoints Endpoints, chroot string) string {
	return fmt.Sprintf("%s%s", strings.Join(endpoints.hosts(), ","), chroot)
}
