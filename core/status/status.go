// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package status

import (
	"github.com/juju/errors"
	"github.com/juju/loggo"
)

// Kind is a workload status kind, the first argument to status-set.
type Kind string

// String returns a string representation of the Kind.
func (k Kind) String() string {
	return string(k)
}

const (
	// KindMaintenance is set when:
	// The unit is not yet providing services, but is actively doing stuff
	// in preparation for providing those services.
	// This is a "spinning" state, not an error state.
	KindMaintenance Kind = "maintenance"

	// KindWaiting is set when:
	// The unit is unable to progress to an active state because something
	// outside of its control, usually a peer or the leader, has not acted yet.
	KindWaiting Kind = "waiting"

	// KindBlocked is set when:
	// The unit needs manual intervention to get back to the Running state.
	KindBlocked Kind = "blocked"

	// KindActive is set when:
	// The unit believes it is correctly offering all the services it has
	// been asked to offer.
	KindActive Kind = "active"
)

// ValidKind returns true if kind can be passed to status-set.
func ValidKind(kind Kind) bool {
	switch kind {
	case
		KindMaintenance,
		KindWaiting,
		KindBlocked,
		KindActive:
		return true
	default:
		return false
	}
}

// LogLevel is the severity a status is logged with when it is set.
type LogLevel string

const (
	LevelDebug   LogLevel = "DEBUG"
	LevelInfo    LogLevel = "INFO"
	LevelWarning LogLevel = "WARNING"
	LevelError   LogLevel = "ERROR"
)

// Loggo returns the loggo level matching l. Unknown levels map to INFO.
func (l LogLevel) Loggo() loggo.Level {
	switch l {
	case LevelDebug:
		return loggo.DEBUG
	case LevelWarning:
		return loggo.WARNING
	case LevelError:
		return loggo.ERROR
	default:
		return loggo.INFO
	}
}

// StatusLevel pairs an operator facing workload status with the level the
// charm logs it at.
type StatusLevel struct {
	Kind     Kind
	Message  string
	LogLevel LogLevel
}

// Status enumerates the operational conditions the charm reports.
type Status int

const (
	Active Status = iota
	NoPeerRelation
	ServiceNotInstalled
	ServiceNotRunning
	ServiceNotQuorum
	ContainerNotConnected
	NoPasswords
	NotUnitTurn
	NotAllIP
	NoCert
	NotAllRelated
	StaleQuorum
	NotAllAdded
	NotAllQuorum
	SwitchingEncryption
	AllUnified
	ServiceUnhealthy
	MissingS3Config
	BucketNotCreated
	OngoingRestore
	RotatingPasswords
)

type entry struct {
	name  string
	level StatusLevel
}

var table = []entry{
	Active:                {"ACTIVE", StatusLevel{KindActive, "", LevelDebug}},
	NoPeerRelation:        {"NO_PEER_RELATION", StatusLevel{KindMaintenance, "no peer relation yet", LevelDebug}},
	ServiceNotInstalled:   {"SERVICE_NOT_INSTALLED", StatusLevel{KindBlocked, "unable to install zookeeper service", LevelError}},
	ServiceNotRunning:     {"SERVICE_NOT_RUNNING", StatusLevel{KindBlocked, "zookeeper service not running", LevelError}},
	ServiceNotQuorum:      {"SERVICE_NOT_QUORUM", StatusLevel{KindBlocked, "unit not in the zookeeper quorum", LevelError}},
	ContainerNotConnected: {"CONTAINER_NOT_CONNECTED", StatusLevel{KindMaintenance, "zookeeper container not ready", LevelDebug}},
	NoPasswords:           {"NO_PASSWORDS", StatusLevel{KindWaiting, "waiting for leader to create internal user credentials", LevelDebug}},
	NotUnitTurn:           {"NOT_UNIT_TURN", StatusLevel{KindWaiting, "other units starting first", LevelDebug}},
	NotAllIP:              {"NOT_ALL_IP", StatusLevel{KindMaintenance, "not all units registered IP", LevelDebug}},
	NoCert:                {"NO_CERT", StatusLevel{KindWaiting, "unit waiting for signed certificates", LevelInfo}},
	NotAllRelated:         {"NOT_ALL_RELATED", StatusLevel{KindMaintenance, "cluster not stable - not all units related", LevelDebug}},
	StaleQuorum:           {"STALE_QUORUM", StatusLevel{KindMaintenance, "cluster not stable - quorum is stale", LevelDebug}},
	NotAllAdded:           {"NOT_ALL_ADDED", StatusLevel{KindMaintenance, "cluster not stable - not all units added to quorum", LevelDebug}},
	NotAllQuorum:          {"NOT_ALL_QUORUM", StatusLevel{KindMaintenance, "provider not ready - not all units using same encryption", LevelDebug}},
	SwitchingEncryption:   {"SWITCHING_ENCRYPTION", StatusLevel{KindMaintenance, "provider not ready - switching quorum encryption", LevelDebug}},
	AllUnified:            {"ALL_UNIFIED", StatusLevel{KindMaintenance, "provider not ready - portUnification not yet disabled", LevelDebug}},
	ServiceUnhealthy:      {"SERVICE_UNHEALTHY", StatusLevel{KindBlocked, "zookeeper service is unreachable or not serving requests", LevelError}},
	MissingS3Config:       {"MISSING_S3_CONFIG", StatusLevel{KindBlocked, "invalid s3 configuration - missing mandatory parameters", LevelError}},
	BucketNotCreated:      {"BUCKET_NOT_CREATED", StatusLevel{KindBlocked, "cannot create s3 bucket", LevelError}},
	OngoingRestore:        {"ONGOING_RESTORE", StatusLevel{KindMaintenance, "restoring backup", LevelInfo}},
	RotatingPasswords:     {"ROTATING_PASSWORDS", StatusLevel{KindMaintenance, "rotating internal user passwords", LevelInfo}},
}

func (s Status) valid() bool {
	return s >= 0 && int(s) < len(table)
}

// String returns the name of the condition, e.g. NOT_UNIT_TURN.
func (s Status) String() string {
	if !s.valid() {
		return "UNKNOWN"
	}
	return table[s].name
}

// Level returns the workload status and log level bound to s.
func (s Status) Level() StatusLevel {
	if !s.valid() {
		return StatusLevel{KindBlocked, "unknown status", LevelError}
	}
	return table[s].level
}

// ParseStatus converts a condition name back to its Status.
func ParseStatus(name string) (Status, error) {
	for i, e := range table {
		if e.name == name {
			return Status(i), nil
		}
	}
	return Active, errors.NotValidf("status %q", name)
}

// All returns every known Status in declaration order.
func All() []Status {
	all := make([]Status, len(table))
	for i := range table {
		all[i] = Status(i)
	}
	return all
}
