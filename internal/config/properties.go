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

// File names under the CONF path.
const (
	ZooCfgFile        = "zoo.cfg"
	DynamicConfigFile = "zookeeper-dynamic.properties"
	JAASFile          = "zookeeper-jaas.cfg"
	ClientJAASFile    = "client-jaas.cfg"
	Log4jFile         = "log4j.properties"
	KeystoreFile      = "keystore.pem"
	TruststoreFile    = "truststore.pem"
)

// TLSProperties locate the PEM stores the server reads when TLS is on.
type TLSProperties struct {
	KeystorePassword   string
	TruststorePassword string

	// PortUnification lets the server accept plaintext and TLS on the
	// same port while an encryption switch is rolling through the units.
	PortUnification bool

	// SSLQuorum encrypts server to server traffic.
	SSLQuorum bool
}

// Properties renders zoo.cfg.
type Properties struct {
	Config  CharmConfig
	ConfDir string
	DataDir string
	TLS     *TLSProperties
}

// NewProperties returns Properties under the snap layout.
func NewProperties(cfg CharmConfig, tls *TLSProperties) Properties {
	return Properties{
		Config:  cfg,
		ConfDir: literals.Paths[literals.PathConf],
		DataDir: literals.Paths[literals.PathData],
		TLS:     tls,
	}
}

// Lines returns the zoo.cfg entries in the order they are written.
func (p Properties) Lines() []string {
	lines := []string{
		fmt.Sprintf("initLimit=%d", p.Config.InitLimit),
		fmt.Sprintf("syncLimit=%d", p.Config.SyncLimit),
		fmt.Sprintf("tickTime=%d", p.Config.TickTime),
		"maxClientCnxns=60",
		"minSessionTimeout=4000",
		"maxSessionTimeout=40000",
		"autopurge.snapRetainCount=3",
		"autopurge.purgeInterval=1",
		"reconfigEnabled=true",
		"standaloneEnabled=false",
		"4lw.commands.whitelist=mntr,srvr,stat,ruok",
		"quorum.auth.enableSasl=true",
		"quorum.auth.learnerRequireSasl=true",
		"quorum.auth.serverRequireSasl=true",
		"authProvider.sasl=org.apache.zookeeper.server.auth.SASLAuthenticationProvider",
		"enforce.auth.enabled=true",
		"enforce.auth.schemes=sasl,digest",
		"audit.enable=true",
		fmt.Sprintf("admin.serverPort=%d", literals.AdminServerPort),
		"metricsProvider.className=org.apache.zookeeper.metrics.prometheus.PrometheusMetricsProvider",
		fmt.Sprintf("metricsProvider.httpPort=%d", literals.MetricsProviderPort),
		"dataDir=" + p.DataDir,
		"dataLogDir=" + path.Join(p.DataDir, "data-log"),
		"dynamicConfigFile=" + path.Join(p.ConfDir, DynamicConfigFile),
	}
	if p.TLS != nil {
		lines = append(lines, p.tlsLines()...)
	}
	return lines
}

func (p Properties) tlsLines() []string {
	keystore := path.Join(p.ConfDir, KeystoreFile)
	truststore := path.Join(p.ConfDir, TruststoreFile)
	lines := []string{
		fmt.Sprintf("secureClientPort=%d", literals.SecureClientPort),
		"serverCnxnFactory=org.apache.zookeeper.server.NettyServerCnxnFactory",
		"ssl.clientAuth=none",
		"ssl.keyStore.location=" + keystore,
		"ssl.keyStore.type=PEM",
		"ssl.keyStore.password=" + p.TLS.KeystorePassword,
		"ssl.trustStore.location=" + truststore,
		"ssl.trustStore.type=PEM",
		"ssl.trustStore.password=" + p.TLS.TruststorePassword,
	}
	if p.TLS.SSLQuorum {
		lines = append(lines,
			"sslQuorum=true",
			"ssl.quorum.clientAuth=none",
			"ssl.quorum.keyStore.location="+keystore,
			"ssl.quorum.keyStore.type=PEM",
			"ssl.quorum.keyStore.password="+p.TLS.KeystorePassword,
			"ssl.quorum.trustStore.location="+truststore,
			"ssl.quorum.trustStore.type=PEM",
			"ssl.quorum.trustStore.password="+p.TLS.TruststorePassword,
		)
	}
	if p.TLS.PortUnification {
		lines = append(lines, "portUnification=true")
	}
	return lines
}

// Render returns the zoo.cfg file content.
func (p Properties) Render() string {
	return strings.Join(p.Lines(), "\n") + "\n"
}

// ParseProperties reads a java properties file into a map. Comments and
// blank lines are skipped.
func ParseProperties(content string) map[string]string {
	props := make(map[string]string)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, _ := strings.Cut(line, "=")
		props[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return props
}

// Changed returns the property keys whose values differ between the
// existing and desired zoo.cfg content. Dynamic server entries are ignored,
// they are managed by reconfig rather than a restart.
func Changed(existing, desired string) []string {
	have := ParseProperties(existing)
	want := ParseProperties(desired)
	var changed []string
	for k, v := range want {
		if isServerKey(k) {
			continue
		}
		if old, ok := have[k]; !ok || old != v {
			changed = append(changed, k)
		}
	}
	for k := range have {
		if isServerKey(k) {
			continue
		}
		if _, ok := want[k]; !ok {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

func isServerKey(k string) bool {
	return strings.HasPrefix(k, "server.")
}
