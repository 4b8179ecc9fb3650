// SPDX-License-Identifier: Apache-2.0
// Package dnssync reconciles the system hosts file with Katana's desired
// hostnames, touching only lines it marked itself.
package dnssync

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/samurai-wtf/katana/internal/config"
	"github.com/samurai-wtf/katana/internal/katanaerr"
)

const marker = "# katana-managed"

// DefaultIP is the loopback address managed entries point at for a local
// install.
const DefaultIP = "127.0.0.1"

// Entry is one managed hosts-file line.
type Entry struct {
	IP       string
	Hostname string
}

// SyncResult reports what a Sync call changed.
type SyncResult struct {
	Added     []string
	Removed   []string
	Unchanged []string
	Diagnostic string
}

// Synchronizer reads and rewrites the system hosts file, preserving every
// line it did not itself add.
type Synchronizer struct {
	path string
	cfg  *config.ReloadableConfig
}

// New creates a Synchronizer bound to the given hosts file path (normally
// /etc/hosts).
func New(path string, cfg *config.ReloadableConfig) *Synchronizer {
	return &Synchronizer{path: path, cfg: cfg}
}

// Read returns every line of the hosts file verbatim, in order.
func (s *Synchronizer) Read() ([]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, katanaerr.New(katanaerr.CodeDNS, "read hosts file "+s.path, err)
	}
	return splitLines(string(data)), nil
}

// ListManaged returns every currently managed entry.
func (s *Synchronizer) ListManaged() ([]Entry, error) {
	lines, err := s.Read()
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for _, line := range lines {
		if e, ok := parseManaged(line); ok {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// AddEntry idempotently appends a managed entry for hostname. If a
// managed entry for that hostname already exists, it is left unchanged.
func (s *Synchronizer) AddEntry(hostname, ip string) error {
	if ip == "" {
		ip = DefaultIP
	}
	lines, err := s.Read()
	if err != nil {
		return err
	}
	for _, line := range lines {
		if e, ok := parseManaged(line); ok && strings.EqualFold(e.Hostname, hostname) {
			return nil
		}
	}
	lines = append(lines, formatManaged(Entry{IP: ip, Hostname: hostname}))
	return s.writeLines(lines)
}

// RemoveEntry removes any managed line for hostname. Non-managed lines
// mentioning the same hostname are left untouched.
func (s *Synchronizer) RemoveEntry(hostname string) error {
	lines, err := s.Read()
	if err != nil {
		return err
	}
	kept := lines[:0]
	for _, line := range lines {
		if e, ok := parseManaged(line); ok && strings.EqualFold(e.Hostname, hostname) {
			continue
		}
		kept = append(kept, line)
	}
	return s.writeLines(kept)
}

// Sync reconciles the hosts file against expected, the full set of
// hostnames that should currently be managed. Non-managed lines are
// preserved verbatim and in order; managed lines not in expected are
// dropped; a managed line is appended for every expected hostname not
// already present. In remote-install mode this is a no-op: the proxy
// relies on wildcard DNS instead of hosts-file entries.
func (s *Synchronizer) Sync(expected []string, ip string) (SyncResult, error) {
	if s.cfg.Get().InstallType == config.InstallRemote {
		return SyncResult{Diagnostic: "remote install mode: hosts-file sync skipped, wildcard DNS is expected to resolve target hostnames"}, nil
	}
	if ip == "" {
		ip = DefaultIP
	}

	wanted := make(map[string]bool, len(expected))
	for _, h := range expected {
		wanted[strings.ToLower(h)] = true
	}

	lines, err := s.Read()
	if err != nil {
		return SyncResult{}, err
	}

	var result SyncResult
	present := make(map[string]bool)
	output := make([]string, 0, len(lines)+len(expected))

	for _, line := range lines {
		e, ok := parseManaged(line)
		if !ok {
			output = append(output, line)
			continue
		}
		key := strings.ToLower(e.Hostname)
		if wanted[key] {
			output = append(output, line)
			present[key] = true
			result.Unchanged = append(result.Unchanged, e.Hostname)
		} else {
			result.Removed = append(result.Removed, e.Hostname)
		}
	}

	missing := make([]string, 0, len(expected))
	for _, h := range expected {
		if !present[strings.ToLower(h)] {
			missing = append(missing, h)
		}
	}
	sort.Strings(missing)
	for _, h := range missing {
		output = append(output, formatManaged(Entry{IP: ip, Hostname: h}))
		result.Added = append(result.Added, h)
	}

	if err := s.writeLines(output); err != nil {
		return SyncResult{}, err
	}
	return result, nil
}

func (s *Synchronizer) writeLines(lines []string) error {
	content := strings.Join(lines, "\n")
	content = strings.TrimRight(content, "\n") + "\n"

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".hosts-*.tmp")
	if err != nil {
		return permissionAwareError("create temp hosts file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return permissionAwareError("write temp hosts file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return permissionAwareError("fsync temp hosts file", err)
	}
	if err := tmp.Close(); err != nil {
		return permissionAwareError("close temp hosts file", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return permissionAwareError("chmod temp hosts file", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return permissionAwareError("rename hosts file into place", err)
	}
	return nil
}

func permissionAwareError(op string, cause error) error {
	if os.IsPermission(cause) {
		return katanaerr.New(katanaerr.CodeDNSPermission, op+": permission denied", cause).
			WithHelp("rerun with elevated privileges (sudo) to modify the system hosts file")
	}
	return katanaerr.New(katanaerr.CodeDNS, op, cause)
}

func splitLines(content string) []string {
	content = strings.TrimRight(content, "\n")
	if content == "" {
		return nil
	}
	return strings.Split(content, "\n")
}

// formatManaged renders a managed hosts-file line: "<ip> <hostname> # katana-managed".
func formatManaged(e Entry) string {
	return fmt.Sprintf("%s %s %s", e.IP, e.Hostname, marker)
}

// parseManaged recognizes a line this package wrote, tolerating
// arbitrary whitespace.
func parseManaged(line string) (Entry, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasSuffix(trimmed, marker) {
		return Entry{}, false
	}
	fields := strings.Fields(strings.TrimSuffix(trimmed, marker))
	if len(fields) < 2 {
		return Entry{}, false
	}
	return Entry{IP: fields[0], Hostname: fields[1]}, true
}
