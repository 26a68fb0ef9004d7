// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package backup

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

const (
	versionDir = "version-2"
	dataLogDir = "data-log"
)

// epoch files are kept next to the snapshots and must travel with them.
var epochFiles = []string{"acceptedEpoch", "currentEpoch"}

type zxidFile struct {
	name string
	zxid uint64
}

// dataDirs returns the directories holding snapshots and transaction logs.
func dataDirs(dataDir string) []string {
	var dirs []string
	for _, rel := range dataSubdirs() {
		dirs = append(dirs, filepath.Join(dataDir, rel))
	}
	return dirs
}

// dataSubdirs returns the server's data directories relative to dataDir.
func dataSubdirs() []string {
	return []string{versionDir, filepath.Join(dataLogDir, versionDir)}
}

// zxidFiles lists the files of dir named prefix.<hex zxid>, ordered by zxid.
func zxidFiles(dir, prefix string) ([]zxidFile, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Annotatef(err, "reading %s", dir)
	}
	var files []zxidFile
	for _, e := range entries {
		rest, ok := strings.CutPrefix(e.Name(), prefix+".")
		if !ok || e.IsDir() {
			continue
		}
		hex, _, _ := strings.Cut(rest, ".")
		zxid, err := strconv.ParseUint(hex, 16, 64)
		if err != nil {
			continue
		}
		files = append(files, zxidFile{name: e.Name(), zxid: zxid})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].zxid < files[j].zxid })
	return files, nil
}

// SnapshotFiles returns the files a backup of dataDir needs: the newest
// snapshot, the epoch files, the transaction log that was open when the
// snapshot started and every later log. It also returns the snapshot name.
func SnapshotFiles(dataDir string) ([]string, string, error) {
	dirs := dataDirs(dataDir)
	snapshots, err := zxidFiles(dirs[0], "snapshot")
	if err != nil {
		return nil, "", errors.Trace(err)
	}
	if len(snapshots) == 0 {
		return nil, "", errors.NotFoundf("snapshot in %s", dirs[0])
	}
	latest := snapshots[len(snapshots)-1]
	files := []string{filepath.Join(dirs[0], latest.name)}
	for _, name := range epochFiles {
		path := filepath.Join(dirs[0], name)
		if _, err := os.Stat(path); err == nil {
			files = append(files, path)
		}
	}

	logs, err := zxidFiles(dirs[1], "log")
	if err != nil {
		return nil, "", errors.Trace(err)
	}
	first := 0
	for i, l := range logs {
		if l.zxid <= latest.zxid {
			first = i
		}
	}
	for _, l := range logs[first:] {
		files = append(files, filepath.Join(dirs[1], l.name))
	}
	return files, latest.name, nil
}
