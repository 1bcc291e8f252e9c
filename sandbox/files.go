package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"

	"github.com/nevindra/agentd"
)

// maxFileBytes caps single-file transfers in and out of the workspace.
const maxFileBytes = 64 * 1024 * 1024

// PutFile writes data to a workspace-relative path, creating parent
// directories. Existing files are overwritten.
func (s *Sandbox) PutFile(ctx context.Context, userID, rel string, data []byte) error {
	dst, err := s.resolvePath(userID, rel)
	if err != nil {
		return err
	}
	if len(data) > maxFileBytes {
		return agentd.Errf(agentd.KindToolFailed, "file too large: %d bytes", len(data))
	}
	if err := s.Ensure(ctx); err != nil {
		return err
	}
	if err := s.provision(ctx, userID); err != nil {
		return err
	}

	dir := path.Dir(dst)
	if dir != s.userRoot(userID) {
		res, err := s.exec(ctx, s.userRoot(userID), []string{"mkdir", "-p", dir}, 10*time.Second)
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return agentd.Errf(agentd.KindToolFailed, "mkdir failed: %s", res.Stderr)
		}
	}

	// Docker copies a tar archive; build one with a single entry named
	// after the file, extracted into the parent directory.
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    path.Base(dst),
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return agentd.E(agentd.KindInternal, "tar header write failed", err)
	}
	if _, err := tw.Write(data); err != nil {
		return agentd.E(agentd.KindInternal, "tar body write failed", err)
	}
	if err := tw.Close(); err != nil {
		return agentd.E(agentd.KindInternal, "tar close failed", err)
	}

	s.mu.Lock()
	id := s.containerID
	s.mu.Unlock()
	if err := s.docker.CopyToContainer(ctx, id, dir, &buf, container.CopyToContainerOptions{}); err != nil {
		s.degrade(err)
		return agentd.E(agentd.KindSandboxUnavailable, "copy to container failed", err)
	}
	return nil
}

// GetFile reads a workspace-relative file.
func (s *Sandbox) GetFile(ctx context.Context, userID, rel string) ([]byte, error) {
	src, err := s.resolvePath(userID, rel)
	if err != nil {
		return nil, err
	}
	if err := s.Ensure(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	id := s.containerID
	s.mu.Unlock()
	rc, stat, err := s.docker.CopyFromContainer(ctx, id, src)
	if err != nil {
		if strings.Contains(err.Error(), "No such") || strings.Contains(err.Error(), "not found") {
			return nil, agentd.Errf(agentd.KindToolFailed, "file not found: %s", rel)
		}
		s.degrade(err)
		return nil, agentd.E(agentd.KindSandboxUnavailable, "copy from container failed", err)
	}
	defer rc.Close()

	if stat.Mode.IsDir() {
		return nil, agentd.Errf(agentd.KindToolFailed, "%s is a directory", rel)
	}
	if stat.Size > maxFileBytes {
		return nil, agentd.Errf(agentd.KindToolFailed, "file too large: %d bytes", stat.Size)
	}

	tr := tar.NewReader(rc)
	if _, err := tr.Next(); err != nil {
		return nil, agentd.E(agentd.KindSandboxUnavailable, "tar read failed", err)
	}
	data, err := io.ReadAll(io.LimitReader(tr, maxFileBytes+1))
	if err != nil {
		return nil, agentd.E(agentd.KindSandboxUnavailable, "file read failed", err)
	}
	if len(data) > maxFileBytes {
		return nil, agentd.Errf(agentd.KindToolFailed, "file too large: %s", rel)
	}
	return data, nil
}

// DeleteFile removes a workspace-relative file or directory tree.
func (s *Sandbox) DeleteFile(ctx context.Context, userID, rel string) error {
	dst, err := s.resolvePath(userID, rel)
	if err != nil {
		return err
	}
	if dst == s.userRoot(userID) {
		return agentd.Errf(agentd.KindPathEscape, "refusing to delete workspace root")
	}
	if err := s.Ensure(ctx); err != nil {
		return err
	}
	res, err := s.exec(ctx, s.userRoot(userID), []string{"rm", "-rf", dst}, 30*time.Second)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return agentd.Errf(agentd.KindToolFailed, "delete failed: %s", res.Stderr)
	}
	return nil
}

// Entry describes one workspace file.
type Entry struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Mode     string `json:"mode"`
	Modified string `json:"modified"` // "2006-01-02 15:04"
	IsDir    bool   `json:"is_dir"`
}

// List returns the entries of a workspace-relative directory, parsed
// from `ls -lA --time-style=long-iso`.
func (s *Sandbox) List(ctx context.Context, userID, rel string) ([]Entry, error) {
	dir, err := s.resolvePath(userID, rel)
	if err != nil {
		return nil, err
	}
	if err := s.Ensure(ctx); err != nil {
		return nil, err
	}
	if err := s.provision(ctx, userID); err != nil {
		return nil, err
	}

	res, err := s.exec(ctx, s.userRoot(userID), []string{"ls", "-lA", "--time-style=long-iso", dir}, 15*time.Second)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		if strings.Contains(res.Stderr, "No such file") {
			return nil, agentd.Errf(agentd.KindToolFailed, "directory not found: %s", rel)
		}
		return nil, agentd.Errf(agentd.KindToolFailed, "list failed: %s", res.Stderr)
	}
	return parseLsOutput(res.Stdout), nil
}

// parseLsOutput parses long-iso ls lines:
//
//	-rw-r--r-- 1 user group 1234 2024-05-01 10:30 name with spaces
func parseLsOutput(out string) []Entry {
	var entries []Entry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, "total ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 8 {
			continue
		}
		size, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			continue
		}
		// The name is everything after the time field; recover it from
		// the original line so embedded spaces survive.
		timeField := fields[6]
		idx := strings.Index(line, fields[5]+" "+timeField)
		if idx < 0 {
			continue
		}
		name := strings.TrimSpace(line[idx+len(fields[5])+1+len(timeField):])
		// Symlinks render as "name -> target"; keep the name.
		if mode := fields[0]; strings.HasPrefix(mode, "l") {
			if arrow := strings.Index(name, " -> "); arrow >= 0 {
				name = name[:arrow]
			}
		}
		if name == "" {
			continue
		}
		entries = append(entries, Entry{
			Name:     name,
			Size:     size,
			Mode:     fields[0],
			Modified: fmt.Sprintf("%s %s", fields[5], timeField),
			IsDir:    strings.HasPrefix(fields[0], "d"),
		})
	}
	return entries
}
