// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package zkclient

import (
	"github.com/go-zookeeper/zk"
	"github.com/juju/errors"
)

// Auth schemes understood by the servers the charm configures.
const (
	SchemeDigest = "digest"
	SchemeSASL   = "sasl"
)

var permLetters = map[rune]int32{
	'c': zk.PermCreate,
	'd': zk.PermDelete,
	'r': zk.PermRead,
	'w': zk.PermWrite,
	'a': zk.PermAdmin,
}

// ParsePerms maps ZooKeeper permission letters, e.g. "cdrwa", to a
// permission mask.
func ParsePerms(letters string) (int32, error) {
	if letters == "" {
		return 0, errors.NotValidf("empty permissions")
	}
	var perms int32
	for _, l := range letters {
		p, ok := permLetters[l]
		if !ok {
			return 0, errors.NotValidf("permission %q", string(l))
		}
		perms |= p
	}
	return perms, nil
}

// DigestACL returns an ACL granting perms to user authenticated with the
// digest scheme.
func DigestACL(user, password string, perms int32) zk.ACL {
	return zk.DigestACL(perms, user, password)[0]
}

// SASLACL returns an ACL granting perms to a user authenticated through
// the server's JAAS config.
func SASLACL(user string, perms int32) zk.ACL {
	return zk.ACL{Perms: perms, Scheme: SchemeSASL, ID: user}
}

// SuperDigest returns the value of the server's superDigest property for
// the super user.
func SuperDigest(user, password string) string {
	return DigestACL(user, password, zk.PermAll).ID
}
