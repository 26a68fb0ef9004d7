// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package config

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/juju/errors"

	"github.com/canonical/zookeeper-operator/core/literals"
)

// Server is a participant of the ensemble.
type Server struct {
	ID   int
	Host string
}

// ServerLine returns the dynamic config entry for a participant. The client
// port listens on every interface; ssl moves it to the secure port.
func ServerLine(id int, host string, ssl bool) string {
	port := literals.ClientPort
	if ssl {
		port = literals.SecureClientPort
	}
	return fmt.Sprintf("server.%d=%s:%d:%d:participant;0.0.0.0:%d",
		id, host, literals.ServerPort, literals.ElectionPort, port)
}

// DynamicConfig renders zookeeper-dynamic.properties for servers, ordered
// by server id.
func DynamicConfig(servers []Server, ssl bool) string {
	sorted := append([]Server(nil), servers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	var b strings.Builder
	for _, s := range sorted {
		b.WriteString(ServerLine(s.ID, s.Host, ssl))
		b.WriteString("\n")
	}
	return b.String()
}

var serverLineRe = regexp.MustCompile(`^server\.(\d+)=([^:;]+):`)

// ParseServerLine returns the id and host of a dynamic config entry.
func ParseServerLine(line string) (Server, error) {
	m := serverLineRe.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return Server{}, errors.NotValidf("server line %q", line)
	}
	id, err := strconv.Atoi(m[1])
	if err != nil {
		return Server{}, errors.NotValidf("server id %q", m[1])
	}
	return Server{ID: id, Host: m[2]}, nil
}
