// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package config

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/juju/errors"

	"github.com/canonical/zookeeper-operator/core/literals"
)

const digestLoginModule = "org.apache.zookeeper.server.auth.DigestLoginModule required"

// JAAS renders zookeeper-jaas.cfg. Quorum peers authenticate with the sync
// user; clients authenticate against the Server section.
type JAAS struct {
	SyncPassword  string
	SuperPassword string

	// Users maps related client usernames to their passwords.
	Users map[string]string
}

// passwordRe matches values the JAAS config parser reads back verbatim
// from a quoted string.
var passwordRe = regexp.MustCompile(`^[!#-\[\]-~]+$`)

// ValidatePassword checks that password can be written to a JAAS config
// without escaping.
func ValidatePassword(password string) error {
	if !passwordRe.MatchString(password) {
		return errors.NewNotValid(nil, `password may only use printable ASCII other than space, '"' and '\'`)
	}
	return nil
}

// Validate checks that the system passwords are set and that no client
// user shadows a system account.
func (j JAAS) Validate() error {
	if j.SyncPassword == "" || j.SuperPassword == "" {
		return errors.NotValidf("missing internal user passwords")
	}
	for _, password := range []string{j.SyncPassword, j.SuperPassword} {
		if err := ValidatePassword(password); err != nil {
			return errors.Trace(err)
		}
	}
	for user, password := range j.Users {
		if literals.IsCharmUser(user) {
			return errors.NotValidf("client user %q", user)
		}
		if err := ValidatePassword(password); err != nil {
			return errors.Annotatef(err, "client user %q", user)
		}
	}
	return nil
}

// Render returns the file content.
func (j JAAS) Render() string {
	var b strings.Builder
	writeSection(&b, "QuorumServer", []string{
		option("user_"+literals.SyncUser, j.SyncPassword),
	})
	writeSection(&b, "QuorumLearner", []string{
		option("username", literals.SyncUser),
		option("password", j.SyncPassword),
	})

	server := []string{
		option("user_"+literals.SuperUser, j.SuperPassword),
		option("user_"+literals.SyncUser, j.SyncPassword),
	}
	users := make([]string, 0, len(j.Users))
	for user := range j.Users {
		users = append(users, user)
	}
	sort.Strings(users)
	for _, user := range users {
		server = append(server, option("user_"+user, j.Users[user]))
	}
	writeSection(&b, "Server", server)
	return b.String()
}

// ClientJAAS renders client-jaas.cfg, used by the snap's zkCli to connect
// as super.
func ClientJAAS(superPassword string) string {
	var b strings.Builder
	writeSection(&b, "Client", []string{
		option("username", literals.SuperUser),
		option("password", superPassword),
	})
	return b.String()
}

// option renders key="value". Values are checked by ValidatePassword, the
// parser does not share Go's escapes.
func option(key, value string) string {
	return fmt.Sprintf(`%s="%s"`, key, value)
}

func writeSection(b *strings.Builder, name string, options []string) {
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	fmt.Fprintf(b, "%s {\n    %s\n", name, digestLoginModule)
	for i, opt := range options {
		b.WriteString("    " + opt)
		if i == len(options)-1 {
			b.WriteString(";")
		}
		b.WriteString("\n")
	}
	b.WriteString("};\n")
}

var (
	sectionRe = regexp.MustCompile(`(?s)(\w+)\s*\{(.*?)\};`)
	userRe    = regexp.MustCompile(`user_([^=\s]+)\s*=`)
)

// ParseJAASUsers returns the sorted users declared in the Server section of
// a JAAS config.
func ParseJAASUsers(content string) []string {
	var users []string
	for _, section := range sectionRe.FindAllStringSubmatch(content, -1) {
		if section[1] != "Server" {
			continue
		}
		for _, m := range userRe.FindAllStringSubmatch(section[2], -1) {
			users = append(users, m[1])
		}
	}
	sort.Strings(users)
	return users
}
