// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package workload owns the ZooKeeper server on the unit: the snap service
// and every file under the snap's config and data paths.
package workload

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/utils/v4"

	"github.com/canonical/zookeeper-operator/core/literals"
	"github.com/canonical/zookeeper-operator/internal/config"
)

var logger = loggo.GetLogger("zookeeper.workload")

// EnvironmentFile is where zkServer.sh picks up SERVER_JVMFLAGS.
const EnvironmentFile = "/etc/environment"

// MyIDFile names the server id file in the data dir.
const MyIDFile = "myid"

// Service is the lifecycle of the server process.
type Service interface {
	Install() error
	Installed() (bool, error)
	Start() error
	Stop() error
	Restart() error
	Running() (bool, error)
}

// Config holds the dependencies of a Workload.
type Config struct {
	// Root is prefixed to every path, "/" on a real unit.
	Root    string
	Service Service

	// Chown changes ownership of workload files. Defaults to os.Chown.
	Chown func(path string, uid, gid int) error
	Ruok  func(servers []string, timeout time.Duration) []bool
	Srvr  func(servers []string, timeout time.Duration) ([]*zk.ServerStats, bool)
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.Root == "" {
		return errors.NotValidf("empty Root")
	}
	if c.Service == nil {
		return errors.NotValidf("nil Service")
	}
	return nil
}

// Workload manages the server on this unit.
type Workload struct {
	root    string
	service Service
	chown   func(path string, uid, gid int) error
	ruok    func(servers []string, timeout time.Duration) []bool
	srvr    func(servers []string, timeout time.Duration) ([]*zk.ServerStats, bool)
}

// New returns a Workload.
func New(cfg Config) (*Workload, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Workload{
		root:    cfg.Root,
		service: cfg.Service,
		chown:   cfg.Chown,
		ruok:    cfg.Ruok,
		srvr:    cfg.Srvr,
	}
	if w.chown == nil {
		w.chown = os.Chown
	}
	if w.ruok == nil {
		w.ruok = zk.FLWRuok
	}
	if w.srvr == nil {
		w.srvr = zk.FLWSrvr
	}
	return w, nil
}

// Path returns the absolute location of one of the literal snap paths.
func (w *Workload) Path(key string) string {
	return filepath.Join(w.root, literals.Paths[key])
}

// ConfPath returns the location of a file in the config dir.
func (w *Workload) ConfPath(name string) string {
	return filepath.Join(w.Path(literals.PathConf), name)
}

// Install installs the snap at its pinned revision.
func (w *Workload) Install() error {
	if err := w.service.Install(); err != nil {
		return errors.Annotate(err, "installing zookeeper snap")
	}
	return errors.Trace(w.SetupDirs())
}

// Installed reports whether the snap is present.
func (w *Workload) Installed() (bool, error) {
	return w.service.Installed()
}

// Start starts the server.
func (w *Workload) Start() error {
	return errors.Trace(w.service.Start())
}

// Stop stops the server.
func (w *Workload) Stop() error {
	return errors.Trace(w.service.Stop())
}

// Restart restarts the server.
func (w *Workload) Restart() error {
	return errors.Trace(w.service.Restart())
}

// Running reports whether the snap daemon is active.
func (w *Workload) Running() (bool, error) {
	return w.service.Running()
}

// SetupDirs creates the data and log dirs owned by the snap user.
func (w *Workload) SetupDirs() error {
	for _, key := range []string{literals.PathConf, literals.PathData, literals.PathLogs} {
		dir := w.Path(key)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return errors.Annotatef(err, "creating %s", dir)
		}
		if err := w.chown(dir, literals.User, literals.GroupID); err != nil {
			return errors.Annotatef(err, "changing owner of %s", dir)
		}
	}
	return nil
}

// WriteConf writes a file in the config dir, returning whether its content
// changed.
func (w *Workload) WriteConf(name, content string) (bool, error) {
	return w.write(w.ConfPath(name), content, 0640)
}

// ReadConf returns the content of a file in the config dir.
func (w *Workload) ReadConf(name string) (string, error) {
	return read(w.ConfPath(name))
}

// RemoveConf deletes a file in the config dir if present.
func (w *Workload) RemoveConf(name string) error {
	err := os.Remove(w.ConfPath(name))
	if err != nil && !os.IsNotExist(err) {
		return errors.Trace(err)
	}
	return nil
}

// WriteMyID writes the server id the ensemble knows this unit by.
func (w *Workload) WriteMyID(id int) (bool, error) {
	return w.write(filepath.Join(w.Path(literals.PathData), MyIDFile), strconv.Itoa(id)+"\n", 0640)
}

// MyID reads the server id, NotFound before it is written.
func (w *Workload) MyID() (int, error) {
	content, err := read(filepath.Join(w.Path(literals.PathData), MyIDFile))
	if err != nil {
		return 0, errors.Trace(err)
	}
	id, err := strconv.Atoi(strings.TrimSpace(content))
	if err != nil {
		return 0, errors.NotValidf("myid %q", content)
	}
	return id, nil
}

// WriteJVMFlags stores the server JVM flags in the system environment file,
// keeping every other variable.
func (w *Workload) WriteJVMFlags(flags []string) (bool, error) {
	path := filepath.Join(w.root, EnvironmentFile)
	existing, err := read(path)
	if err != nil && !errors.IsNotFound(err) {
		return false, errors.Trace(err)
	}
	updated := config.UpdateEnvironment(existing, config.ServerJVMFlagsKey, strings.Join(flags, " "))
	return w.write(path, updated, 0644)
}

// WriteTLSFiles writes the PEM key and trust stores. The keystore holds the
// private key followed by the certificate, the truststore the CA and chain.
func (w *Workload) WriteTLSFiles(privateKey, certificate, ca string, chain []string) error {
	keystore := strings.TrimSpace(privateKey) + "\n" + strings.TrimSpace(certificate) + "\n"
	trust := []string{strings.TrimSpace(ca)}
	for _, c := range chain {
		if c = strings.TrimSpace(c); c != "" && c != trust[0] {
			trust = append(trust, c)
		}
	}
	if _, err := w.write(w.ConfPath(config.KeystoreFile), keystore, 0600); err != nil {
		return errors.Trace(err)
	}
	_, err := w.write(w.ConfPath(config.TruststoreFile), strings.Join(trust, "\n")+"\n", 0640)
	return errors.Trace(err)
}

// RemoveTLSFiles deletes the PEM stores.
func (w *Workload) RemoveTLSFiles() error {
	for _, name := range []string{config.KeystoreFile, config.TruststoreFile} {
		if err := w.RemoveConf(name); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (w *Workload) clientAddress() string {
	return fmt.Sprintf("localhost:%d", literals.ClientPort)
}

// Healthy reports whether the local server answers ruok with imok.
func (w *Workload) Healthy() bool {
	ok := w.ruok([]string{w.clientAddress()}, 5*time.Second)
	return len(ok) == 1 && ok[0]
}

// Mode returns the local server's role in the ensemble, e.g. leader.
func (w *Workload) Mode() (string, error) {
	stats, _ := w.srvr([]string{w.clientAddress()}, 5*time.Second)
	if len(stats) != 1 || stats[0] == nil {
		return "", errors.NotFoundf("srvr response")
	}
	if stats[0].Error != nil {
		return "", errors.Annotate(stats[0].Error, "srvr")
	}
	return stats[0].Mode.String(), nil
}

// Version returns the ZooKeeper version the pinned snap ships.
func (w *Workload) Version() string {
	return literals.Dependencies["service"].Version
}

func (w *Workload) write(path, content string, perm os.FileMode) (bool, error) {
	existing, err := read(path)
	if err == nil && existing == content {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return false, errors.Annotatef(err, "creating %s", filepath.Dir(path))
	}
	if err := utils.AtomicWriteFile(path, []byte(content), perm); err != nil {
		return false, errors.Annotatef(err, "writing %s", path)
	}
	if err := w.chown(path, literals.User, literals.GroupID); err != nil {
		return false, errors.Annotatef(err, "changing owner of %s", path)
	}
	logger.Debugf("wrote %s", path)
	return true, nil
}

func read(path string) (string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", errors.NotFoundf("%s", path)
	}
	if err != nil {
		return "", errors.Trace(err)
	}
	return string(data), nil
}
