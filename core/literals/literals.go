// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package literals holds the fixed values shared across the ZooKeeper charm:
// ports, snap paths, relation and secret names, and the workload version pin.
package literals

// CharmedZooKeeperSnapRevision is the revision of the charmed-zookeeper snap
// the charm installs and holds.
const CharmedZooKeeperSnapRevision = 39

const (
	// Substrate is the kind of cloud the charm is built for.
	Substrate = "vm"

	// CharmKey is the name of the charm and of the workload.
	CharmKey = "zookeeper"

	// SnapName is the snap carrying the workload.
	SnapName = "charmed-zookeeper"

	// SnapDaemon is the snap app running the ZooKeeper server.
	SnapDaemon = "daemon"

	// Container is the workload container name on kubernetes substrates.
	Container = "zookeeper"
)

// Relation endpoint names.
const (
	Peer         = "cluster"
	RelName      = "zookeeper"
	CertsRelName = "certificates"
	S3RelName    = "s3-credentials"
)

// System accounts every ensemble carries in its JAAS config.
const (
	SuperUser = "super"
	SyncUser  = "sync"
)

// CharmUsers are the system accounts, as opposed to per-relation client users.
var CharmUsers = []string{SuperUser, SyncUser}

// Ports exposed by the workload.
const (
	ClientPort          = 2181
	SecureClientPort    = 2182
	ServerPort          = 2888
	ElectionPort        = 3888
	AdminServerPort     = 8080
	JMXPort             = 9998
	MetricsProviderPort = 7000
)

const (
	// User is the uid of snap_daemon. The numeric id is used because the
	// storage-attached hook can run before the snap creates the user.
	// TODO: snapd 2.61 replaces snap_daemon with _daemon_ (uid 584792),
	// switch when the charm moves to the 24.04 base.
	User = 584788

	// Group owns the workload directories alongside User.
	Group = "root"

	// GroupID is the gid of Group.
	GroupID = 0
)

// S3 backup layout.
const (
	S3BackupsPath  = "zookeeper_backups"
	S3BackupsLimit = 20
)

// Dependency describes the workload version the charm drives.
type Dependency struct {
	Name             string
	Version          string
	UpgradeSupported string
	Dependencies     map[string]string
}

// Dependencies maps a dependency kind to its pin.
var Dependencies = map[string]Dependency{
	"service": {
		Name:             "zookeeper",
		Version:          "3.9.2",
		UpgradeSupported: "^3.5",
		Dependencies:     map[string]string{},
	},
}

// Path keys.
const (
	PathConf = "CONF"
	PathData = "DATA"
	PathLogs = "LOGS"
	PathBin  = "BIN"
)

// Paths of the snap layout on the unit.
var Paths = map[string]string{
	PathConf: "/var/snap/charmed-zookeeper/current/etc/zookeeper",
	PathData: "/var/snap/charmed-zookeeper/common/var/lib/zookeeper",
	PathLogs: "/var/snap/charmed-zookeeper/common/var/log/zookeeper",
	PathBin:  "/snap/charmed-zookeeper/current/opt/zookeeper",
}

// Application scoped secret keys.
const (
	SyncPasswordKey  = "sync-password"
	SuperPasswordKey = "super-password"
	S3CredentialsKey = "s3-credentials"
)

// SecretsApp lists the keys stored in application scoped secrets.
var SecretsApp = []string{SyncPasswordKey, SuperPasswordKey, S3CredentialsKey}

// Unit scoped secret keys.
const (
	CACertKey             = "ca-cert"
	ChainKey              = "chain"
	CSRKey                = "csr"
	CertificateKey        = "certificate"
	TruststorePasswordKey = "truststore-password"
	KeystorePasswordKey   = "keystore-password"
	PrivateKeyKey         = "private-key"
)

// SecretsUnit lists the keys stored in unit scoped secrets.
var SecretsUnit = []string{
	CACertKey,
	ChainKey,
	CSRKey,
	CertificateKey,
	TruststorePasswordKey,
	KeystorePasswordKey,
	PrivateKeyKey,
}

// IsAppSecret reports whether key belongs in the application secret.
func IsAppSecret(key string) bool {
	return contains(SecretsApp, key)
}

// IsUnitSecret reports whether key belongs in the unit secret.
func IsUnitSecret(key string) bool {
	return contains(SecretsUnit, key)
}

// IsCharmUser reports whether name is one of the system accounts.
func IsCharmUser(name string) bool {
	return contains(CharmUsers, name)
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
