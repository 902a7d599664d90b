// Package ingest walks OpenClaw session JSONL files, folds new lines
// into usage deltas and keeps cursor coverage up to date.
package ingest

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/clawcontrol/clawcontrol/internal/paths"
)

// FileFingerprint is the identity and position of one session file at
// stat time. DeviceID and Inode identify the file; the rest detects
// rewrites.
type FileFingerprint struct {
	DeviceID  int64
	Inode     int64
	SizeBytes int64
	MtimeMs   int64
}

// SessionFile is one discovered sessions/<id>.jsonl path.
type SessionFile struct {
	Path      string
	AgentID   string
	SessionID string
}

// statFingerprint stats a path and extracts its identity.
func statFingerprint(path string) (FileFingerprint, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return FileFingerprint{}, err
	}
	dev, ino := sysIdentity(fi)
	return FileFingerprint{
		DeviceID:  dev,
		Inode:     ino,
		SizeBytes: fi.Size(),
		MtimeMs:   fi.ModTime().UnixMilli(),
	}, nil
}

// DiscoverSessionFiles enumerates agents/*/sessions/*.jsonl under the
// runtime home, sorted by path.
func DiscoverSessionFiles(home string) ([]SessionFile, error) {
	agentsDir := filepath.Join(home, "agents")
	entries, err := os.ReadDir(agentsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []SessionFile
	for _, agent := range entries {
		if !agent.IsDir() {
			continue
		}
		sessionsDir := filepath.Join(agentsDir, agent.Name(), "sessions")
		sessions, err := os.ReadDir(sessionsDir)
		if err != nil {
			continue
		}
		for _, s := range sessions {
			if s.IsDir() || !strings.HasSuffix(s.Name(), ".jsonl") {
				continue
			}
			path := filepath.Join(sessionsDir, s.Name())
			files = append(files, SessionFile{
				Path:      path,
				AgentID:   agent.Name(),
				SessionID: paths.SessionIDFromPath(path),
			})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}
