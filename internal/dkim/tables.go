package dkim

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/monkeysmail/platform/internal/pkg/logger"
)

// TableEntry is one (domain, selector, key path) triple to publish in the
// OpenDKIM tables.
type TableEntry struct {
	Domain   string
	Selector string
	KeyPath  string
}

// SyncReport summarizes one full table rewrite.
type SyncReport struct {
	KeyTableLines     int      `json:"key_table_lines"`
	SigningTableLines int      `json:"signing_table_lines"`
	TrustedHosts      int      `json:"trusted_hosts"`
	Skipped           []string `json:"skipped,omitempty"`
	Changed           bool     `json:"changed"`
	ReloadMethod      string   `json:"reload_method,omitempty"`
}

// TableSync rewrites the key, signing, and trusted-hosts tables from the
// active key set. Rewrites are full-file temp+rename so the milter never
// reads a half-written table.
type TableSync struct {
	keyTablePath     string
	signingTablePath string
	trustedHostsPath string
	pidFile          string

	// reload is swapped in tests.
	reload func() (string, error)
}

// NewTableSync creates a table sync over the given file paths.
func NewTableSync(keyTablePath, signingTablePath, trustedHostsPath, pidFile string) *TableSync {
	t := &TableSync{
		keyTablePath:     keyTablePath,
		signingTablePath: signingTablePath,
		trustedHostsPath: trustedHostsPath,
		pidFile:          pidFile,
	}
	t.reload = t.reloadMilter
	return t
}

// Sync rewrites all three tables from the entry set and signals the milter
// when anything changed. Entries with unreadable key files are skipped and
// reported; the remaining rows are still written.
func (t *TableSync) Sync(entries []TableEntry, extraTrustedHosts []string) (*SyncReport, error) {
	report := &SyncReport{}

	type row struct{ domain, selector, path string }
	seen := map[string]bool{}
	var rows []row
	for _, e := range entries {
		domainName, selector, err := normalizePair(e.Domain, e.Selector)
		if err != nil {
			report.Skipped = append(report.Skipped, err.Error())
			continue
		}
		if _, err := os.Stat(e.KeyPath); err != nil {
			report.Skipped = append(report.Skipped,
				fmt.Sprintf("%s.%s: key file %s: %v", domainName, selector, e.KeyPath, err))
			continue
		}
		id := domainName + "." + selector
		if seen[id] {
			continue
		}
		seen[id] = true
		rows = append(rows, row{domainName, selector, e.KeyPath})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].domain != rows[j].domain {
			return rows[i].domain < rows[j].domain
		}
		return rows[i].selector < rows[j].selector
	})

	var keyTable, signingTable strings.Builder
	for _, r := range rows {
		fmt.Fprintf(&keyTable, "%s.%s %s:%s:%s\n", r.domain, r.selector, r.domain, r.selector, r.path)
		fmt.Fprintf(&signingTable, "*@%s %s.%s\n", r.domain, r.domain, r.selector)
		fmt.Fprintf(&signingTable, "*@*.%s %s.%s\n", r.domain, r.domain, r.selector)
	}
	report.KeyTableLines = len(rows)
	report.SigningTableLines = len(rows) * 2

	hosts := trustedHosts(extraTrustedHosts)
	report.TrustedHosts = len(hosts)

	changedKey, err := writeTable(t.keyTablePath, []byte(keyTable.String()))
	if err != nil {
		return report, err
	}
	changedSigning, err := writeTable(t.signingTablePath, []byte(signingTable.String()))
	if err != nil {
		return report, err
	}
	changedHosts, err := writeTable(t.trustedHostsPath, []byte(strings.Join(hosts, "\n")+"\n"))
	if err != nil {
		return report, err
	}

	report.Changed = changedKey || changedSigning || changedHosts
	if report.Changed {
		method, err := t.reload()
		if err != nil {
			logger.Warn("opendkim reload failed", "error", err.Error())
		} else {
			report.ReloadMethod = method
		}
	}
	return report, nil
}

func trustedHosts(extra []string) []string {
	hosts := []string{"127.0.0.1", "::1", "localhost"}
	seen := map[string]bool{}
	for _, h := range hosts {
		seen[h] = true
	}
	for _, h := range extra {
		h = strings.TrimSpace(h)
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		hosts = append(hosts, h)
	}
	return hosts
}

// writeTable writes content with temp+rename at mode 0644. Returns whether
// the file content actually changed.
func writeTable(path string, content []byte) (bool, error) {
	current, err := os.ReadFile(path)
	if err == nil && bytes.Equal(current, content) {
		return false, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create table dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".table-*")
	if err != nil {
		return false, fmt.Errorf("temp table file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return false, fmt.Errorf("chmod table: %w", err)
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return false, fmt.Errorf("write table: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("close table: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return false, fmt.Errorf("rename table into place: %w", err)
	}
	return true, nil
}

// reloadMilter signals opendkim to reread its tables: systemctl first, then
// the SysV service wrapper, then SIGUSR1 to the pid from the pid file.
func (t *TableSync) reloadMilter() (string, error) {
	if err := exec.Command("systemctl", "reload", "opendkim").Run(); err == nil {
		return "systemctl", nil
	}
	if err := exec.Command("service", "opendkim", "reload").Run(); err == nil {
		return "service", nil
	}
	pid, err := readPID(t.pidFile)
	if err != nil {
		return "", fmt.Errorf("no reload path worked: %w", err)
	}
	if err := syscall.Kill(pid, syscall.SIGUSR1); err != nil {
		return "", fmt.Errorf("signal opendkim pid %d: %w", pid, err)
	}
	return "sigusr1", nil
}

func readPID(path string) (int, error) {
	if path == "" {
		return 0, fmt.Errorf("no pid file configured")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %s: bad pid %q", path, strings.TrimSpace(string(data)))
	}
	return pid, nil
}
