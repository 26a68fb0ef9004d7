// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package config

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/canonical/zookeeper-operator/core/literals"
)

// ServerJVMFlagsKey is the environment variable zkServer.sh reads extra JVM
// arguments from.
const ServerJVMFlagsKey = "SERVER_JVMFLAGS"

// JVMOptions returns the server JVM arguments: the JAAS login config, the
// super user grants, JMX and log4j. superDigest is the digest credential the
// charm's own sessions authenticate with.
func JVMOptions(confDir, superDigest string) []string {
	return []string{
		"-Djava.security.auth.login.config=" + path.Join(confDir, JAASFile),
		"-Dzookeeper.superUser=" + literals.SuperUser,
		"-Dzookeeper.DigestAuthenticationProvider.superDigest=" + superDigest,
		"-Dcom.sun.management.jmxremote",
		fmt.Sprintf("-Dcom.sun.management.jmxremote.port=%d", literals.JMXPort),
		"-Dcom.sun.management.jmxremote.authenticate=false",
		"-Dcom.sun.management.jmxremote.ssl=false",
		"-Dlog4j.configuration=file:" + path.Join(confDir, Log4jFile),
	}
}

// UpdateEnvironment sets key in the KEY=value lines of an environment file,
// keeping every other entry. An empty value removes the key.
func UpdateEnvironment(content, key, value string) string {
	entries := make(map[string]string)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		entries[k] = v
	}
	if value == "" {
		delete(entries, key)
	} else {
		entries[key] = fmt.Sprintf("'%s'", value)
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, entries[k])
	}
	return b.String()
}

// Log4j renders log4j.properties with a rolling file appender under the
// logs path.
func Log4j(cfg CharmConfig, logsDir string) string {
	lines := []string{
		fmt.Sprintf("zookeeper.root.logger=%s, ROLLINGFILE", log4jLevel(cfg.LogLevel)),
		"zookeeper.log.dir=" + logsDir,
		"zookeeper.log.file=zookeeper.log",
		"log4j.rootLogger=${zookeeper.root.logger}",
		"log4j.appender.ROLLINGFILE=org.apache.log4j.RollingFileAppender",
		fmt.Sprintf("log4j.appender.ROLLINGFILE.MaxFileSize=%dMB", cfg.LogMaxFileSize),
		fmt.Sprintf("log4j.appender.ROLLINGFILE.MaxBackupIndex=%d", cfg.LogMaxBackupIndex),
		"log4j.appender.ROLLINGFILE.File=${zookeeper.log.dir}/${zookeeper.log.file}",
		"log4j.appender.ROLLINGFILE.layout=org.apache.log4j.PatternLayout",
		"log4j.appender.ROLLINGFILE.layout.ConversionPattern=%d{ISO8601} [myid:%X{myid}] - %-5p [%t:%C{1}@%L] - %m%n",
	}
	return strings.Join(lines, "\n") + "\n"
}

// log4j spells WARNING as WARN.
func log4jLevel(level string) string {
	if level == "WARNING" {
		return "WARN"
	}
	return level
}
