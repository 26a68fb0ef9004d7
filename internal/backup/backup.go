// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package backup archives the ZooKeeper data directory to S3 and restores
// it from there.
package backup

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha1"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uitable"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/utils/v4/hash"
	"github.com/juju/utils/v4/tar"
	"gopkg.in/yaml.v3"

	"github.com/canonical/zookeeper-operator/core/literals"
	"github.com/canonical/zookeeper-operator/internal/s3client"
)

var logger = loggo.GetLogger("zookeeper.backup")

const (
	// ArchiveName is the object holding the data files of a backup.
	ArchiveName = "snapshot.tar.gz"
	// MetadataName is the object describing a backup.
	MetadataName = "metadata.yaml"
	// IDFormat renders backup ids from their creation time.
	IDFormat = "2006-01-02T15:04:05Z"

	checksumFormat = "SHA-1, base64 encoded"
	tempPrefix     = "zookeeper-backup-"
)

// Storage is where backups are kept.
type Storage interface {
	EnsureBucket(ctx context.Context) error
	Put(ctx context.Context, key string, body io.ReadSeeker) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]s3client.Object, error)
}

// Service is the server that must be stopped while its data is replaced.
type Service interface {
	Stop() error
	Start() error
}

// Metadata describes a stored backup.
type Metadata struct {
	ID             string    `yaml:"id"`
	Created        time.Time `yaml:"created"`
	Size           int64     `yaml:"size"`
	Checksum       string    `yaml:"checksum"`
	ChecksumFormat string    `yaml:"checksum-format"`
	Unit           string    `yaml:"unit"`
	Version        string    `yaml:"zookeeper-version"`
	Snapshot       string    `yaml:"snapshot"`
}

// Config holds the dependencies of a Manager.
type Config struct {
	Storage Storage
	Params  S3Params
	// DataDir is the server's dataDir; transaction logs live in its
	// data-log sub directory.
	DataDir string
	Unit    string
	Version string
	Clock   clock.Clock
	// Chown is applied to every restored file.
	Chown func(path string) error
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.Storage == nil {
		return errors.NotValidf("nil Storage")
	}
	if c.DataDir == "" {
		return errors.NotValidf("empty DataDir")
	}
	if c.Params.Path == "" {
		return errors.NotValidf("empty backup path")
	}
	return nil
}

// Manager creates, lists and restores backups.
type Manager struct {
	cfg Config
}

// NewManager returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Chown == nil {
		cfg.Chown = func(string) error { return nil }
	}
	return &Manager{cfg: cfg}, nil
}

// Create archives the latest snapshot and the transaction logs needed to
// replay past it, and uploads the archive with its metadata.
func (m *Manager) Create(ctx context.Context) (Metadata, error) {
	files, snapshot, err := SnapshotFiles(m.cfg.DataDir)
	if err != nil {
		return Metadata{}, errors.Trace(err)
	}
	created := m.cfg.Clock.Now().UTC()
	id := created.Format(IDFormat)
	if err := m.cfg.Storage.EnsureBucket(ctx); err != nil {
		return Metadata{}, errors.Trace(err)
	}
	if err := m.checkUnused(ctx, id); err != nil {
		return Metadata{}, errors.Trace(err)
	}

	archive, err := os.CreateTemp("", tempPrefix)
	if err != nil {
		return Metadata{}, errors.Annotate(err, "creating archive file")
	}
	defer func() {
		_ = archive.Close()
		_ = os.Remove(archive.Name())
	}()

	logger.Infof("building archive of %s", snapshot)
	hasher := hash.NewHashingWriter(archive, sha1.New())
	if err := buildArchive(hasher, files, m.cfg.DataDir); err != nil {
		return Metadata{}, errors.Trace(err)
	}
	size, err := archive.Seek(0, io.SeekCurrent)
	if err != nil {
		return Metadata{}, errors.Trace(err)
	}
	if _, err := archive.Seek(0, io.SeekStart); err != nil {
		return Metadata{}, errors.Trace(err)
	}

	meta := Metadata{
		ID:             id,
		Created:        created,
		Size:           size,
		Checksum:       hasher.Base64Sum(),
		ChecksumFormat: checksumFormat,
		Unit:           m.cfg.Unit,
		Version:        m.cfg.Version,
		Snapshot:       snapshot,
	}
	if err := m.cfg.Storage.Put(ctx, m.cfg.Params.Key(meta.ID, ArchiveName), archive); err != nil {
		return Metadata{}, errors.Trace(err)
	}
	data, err := yaml.Marshal(meta)
	if err != nil {
		return Metadata{}, errors.Trace(err)
	}
	if err := m.cfg.Storage.Put(ctx, m.cfg.Params.Key(meta.ID, MetadataName), bytes.NewReader(data)); err != nil {
		return Metadata{}, errors.Trace(err)
	}
	logger.Infof("created backup %s (%s)", meta.ID, humanize.Bytes(uint64(meta.Size)))
	return meta, nil
}

// checkUnused fails when a backup with id is already stored. Ids have one
// second resolution.
func (m *Manager) checkUnused(ctx context.Context, id string) error {
	body, err := m.cfg.Storage.Get(ctx, m.cfg.Params.Key(id, MetadataName))
	if errors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return errors.Trace(err)
	}
	_ = body.Close()
	return errors.AlreadyExistsf("backup %q", id)
}

// buildArchive writes a gzipped tarball of files, stored relative to root.
func buildArchive(out io.Writer, files []string, root string) error {
	tarball := gzip.NewWriter(out)
	if _, err := tar.TarFiles(files, tarball, root+string(os.PathSeparator)); err != nil {
		_ = tarball.Close()
		return errors.Annotate(err, "bundling archive")
	}
	// The gzip writer buffers, it must be closed before the checksum is
	// read.
	return errors.Annotate(tarball.Close(), "closing archive")
}

// List returns the stored backups, newest first, at most
// S3BackupsLimit of them.
func (m *Manager) List(ctx context.Context) ([]Metadata, error) {
	objects, err := m.cfg.Storage.List(ctx, m.cfg.Params.Path+"/")
	if err != nil {
		return nil, errors.Trace(err)
	}
	var backups []Metadata
	for _, o := range objects {
		if !strings.HasSuffix(o.Key, "/"+MetadataName) {
			continue
		}
		meta, err := m.metadata(ctx, o.Key)
		if err != nil {
			logger.Warningf("skipping %s: %v", o.Key, err)
			continue
		}
		backups = append(backups, meta)
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].ID > backups[j].ID })
	if len(backups) > literals.S3BackupsLimit {
		backups = backups[:literals.S3BackupsLimit]
	}
	return backups, nil
}

func (m *Manager) metadata(ctx context.Context, key string) (Metadata, error) {
	body, err := m.cfg.Storage.Get(ctx, key)
	if err != nil {
		return Metadata{}, errors.Trace(err)
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return Metadata{}, errors.Annotatef(err, "reading %s", key)
	}
	var meta Metadata
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return Metadata{}, errors.Annotatef(err, "parsing %s", key)
	}
	if meta.ID == "" {
		return Metadata{}, errors.NotValidf("metadata %s without id", key)
	}
	return meta, nil
}

// Render formats backups as a table.
func Render(backups []Metadata) string {
	table := uitable.New()
	table.MaxColWidth = 50
	table.AddRow("backup-id", "unit", "zookeeper-version", "size", "snapshot")
	for _, b := range backups {
		table.AddRow(b.ID, b.Unit, b.Version, humanize.Bytes(uint64(b.Size)), b.Snapshot)
	}
	return table.String()
}

// rename moves data directories in and out of place.
var rename = os.Rename

// Restore replaces the local data with backup id. The archive is unpacked
// next to the live data before the service is stopped, so the server is
// only down while the directories are swapped. A failed swap puts the
// previous data back and starts the service again.
func (m *Manager) Restore(ctx context.Context, id string, svc Service) (_ Metadata, err error) {
	meta, err := m.metadata(ctx, m.cfg.Params.Key(id, MetadataName))
	if errors.IsNotFound(err) {
		return Metadata{}, errors.NotFoundf("backup %q", id)
	}
	if err != nil {
		return Metadata{}, errors.Trace(err)
	}

	archive, err := os.CreateTemp("", tempPrefix)
	if err != nil {
		return Metadata{}, errors.Annotate(err, "creating archive file")
	}
	defer func() {
		_ = archive.Close()
		_ = os.Remove(archive.Name())
	}()
	if err := m.download(ctx, meta, archive); err != nil {
		return Metadata{}, errors.Trace(err)
	}

	// Staging lives under the data dir so the swap is a rename on one
	// filesystem.
	staging, err := os.MkdirTemp(m.cfg.DataDir, ".restore-")
	if err != nil {
		return Metadata{}, errors.Annotate(err, "creating staging directory")
	}
	defer func() {
		if err := os.RemoveAll(staging); err != nil {
			logger.Warningf("removing %s: %v", staging, err)
		}
	}()
	restored := filepath.Join(staging, "restored")
	if err := m.unpack(archive, restored); err != nil {
		return Metadata{}, errors.Trace(err)
	}

	var moved []move
	defer func() {
		if err == nil {
			return
		}
		for i := len(moved) - 1; i >= 0; i-- {
			if rerr := rename(moved[i].to, moved[i].from); rerr != nil {
				logger.Errorf("moving %s back to %s: %v", moved[i].to, moved[i].from, rerr)
			}
		}
		logger.Warningf("restore of %s failed, starting zookeeper on the previous data", id)
		if serr := svc.Start(); serr != nil {
			logger.Errorf("starting zookeeper: %v", serr)
		}
	}()
	if err := svc.Stop(); err != nil {
		return Metadata{}, errors.Annotate(err, "stopping zookeeper")
	}
	previous := filepath.Join(staging, "previous")
	for _, rel := range dataSubdirs() {
		live := filepath.Join(m.cfg.DataDir, rel)
		aside := filepath.Join(previous, rel)
		staged := filepath.Join(restored, rel)
		if err := swap(live, aside, staged, &moved); err != nil {
			return Metadata{}, errors.Annotatef(err, "replacing %s", live)
		}
	}
	if err := svc.Start(); err != nil {
		return Metadata{}, errors.Annotate(err, "starting zookeeper")
	}
	logger.Infof("restored backup %s", id)
	return meta, nil
}

type move struct {
	from, to string
}

// swap moves live to aside and staged to live, recording each rename.
func swap(live, aside, staged string, moved *[]move) error {
	if _, err := os.Stat(live); err == nil {
		if err := os.MkdirAll(filepath.Dir(aside), 0700); err != nil {
			return errors.Trace(err)
		}
		if err := rename(live, aside); err != nil {
			return errors.Trace(err)
		}
		*moved = append(*moved, move{from: live, to: aside})
	} else if !os.IsNotExist(err) {
		return errors.Trace(err)
	}
	// A backup taken before any transaction was logged has no log dir.
	if err := os.MkdirAll(staged, 0755); err != nil {
		return errors.Trace(err)
	}
	if err := os.MkdirAll(filepath.Dir(live), 0755); err != nil {
		return errors.Trace(err)
	}
	if err := rename(staged, live); err != nil {
		return errors.Trace(err)
	}
	*moved = append(*moved, move{from: staged, to: live})
	return nil
}

// unpack extracts archive into dir and hands every file to the server user.
func (m *Manager) unpack(archive io.Reader, dir string) error {
	gz, err := gzip.NewReader(archive)
	if err != nil {
		return errors.Annotate(err, "opening archive")
	}
	if err := tar.UntarFiles(gz, dir); err != nil {
		return errors.Annotate(err, "extracting archive")
	}
	for _, sub := range dataDirs(dir) {
		err := filepath.WalkDir(sub, func(path string, _ fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			return m.cfg.Chown(path)
		})
		if err != nil && !os.IsNotExist(errors.Cause(err)) {
			return errors.Annotatef(err, "changing owner of %s", sub)
		}
	}
	return nil
}

// download fetches the archive of meta into out and verifies its checksum.
func (m *Manager) download(ctx context.Context, meta Metadata, out io.WriteSeeker) error {
	body, err := m.cfg.Storage.Get(ctx, m.cfg.Params.Key(meta.ID, ArchiveName))
	if err != nil {
		return errors.Trace(err)
	}
	defer body.Close()
	hasher := hash.NewHashingWriter(out, sha1.New())
	if _, err := io.Copy(hasher, body); err != nil {
		return errors.Annotatef(err, "downloading backup %s", meta.ID)
	}
	if sum := hasher.Base64Sum(); sum != meta.Checksum {
		return errors.Errorf("backup %s checksum mismatch: got %s, want %s", meta.ID, sum, meta.Checksum)
	}
	_, err = out.Seek(0, io.SeekStart)
	return errors.Trace(err)
}
