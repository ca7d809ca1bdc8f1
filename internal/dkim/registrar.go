package dkim

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/monkeysmail/platform/internal/pkg/logger"
)

// Registrar performs the single-domain fast path: ensure a key exists and
// append its table lines without rewriting the whole files. A full Sync
// later converges the tables to the database's active-key set.
type Registrar struct {
	keys             *KeyService
	keyTablePath     string
	signingTablePath string
	pidFile          string
}

// NewRegistrar creates a registrar writing to the given table files.
func NewRegistrar(keys *KeyService, keyTablePath, signingTablePath, pidFile string) *Registrar {
	return &Registrar{
		keys:             keys,
		keyTablePath:     keyTablePath,
		signingTablePath: signingTablePath,
		pidFile:          pidFile,
	}
}

// Register ensures key material for (domain, selector) and appends the
// corresponding table lines if they are not already present. The milter is
// nudged with a best-effort SIGHUP.
func (r *Registrar) Register(domainName, selector string) (*KeyMaterial, error) {
	mat, err := r.keys.Ensure(domainName, selector)
	if err != nil {
		return nil, err
	}

	keyLine := fmt.Sprintf("%s.%s %s:%s:%s", mat.Domain, mat.Selector, mat.Domain, mat.Selector, mat.PrivateKeyPath)
	if err := appendLine(r.keyTablePath, keyLine); err != nil {
		return nil, fmt.Errorf("key table: %w", err)
	}

	for _, line := range []string{
		fmt.Sprintf("*@%s %s.%s", mat.Domain, mat.Domain, mat.Selector),
		fmt.Sprintf("*@*.%s %s.%s", mat.Domain, mat.Domain, mat.Selector),
	} {
		if err := appendLine(r.signingTablePath, line); err != nil {
			return nil, fmt.Errorf("signing table: %w", err)
		}
	}

	r.nudgeMilter()
	return mat, nil
}

// appendLine appends line to the file unless it is already present, under
// an exclusive advisory lock so concurrent registrations interleave safely.
func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock %s: %w", path, err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	current, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if containsLine(current, line) {
		return nil
	}

	out := line + "\n"
	if len(current) > 0 && current[len(current)-1] != '\n' {
		out = "\n" + out
	}
	if _, err := f.Seek(0, 2); err != nil {
		return fmt.Errorf("seek %s: %w", path, err)
	}
	if _, err := f.WriteString(out); err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	return f.Sync()
}

func containsLine(content []byte, line string) bool {
	for _, l := range strings.Split(string(content), "\n") {
		if l == line {
			return true
		}
	}
	return false
}

// nudgeMilter sends SIGHUP to the pid from the configured pid file.
func (r *Registrar) nudgeMilter() {
	pid, err := readPID(r.pidFile)
	if err != nil {
		logger.Debug("milter pid unavailable", "error", err.Error())
		return
	}
	if err := syscall.Kill(pid, syscall.SIGHUP); err != nil {
		logger.Warn("milter SIGHUP failed", "pid", pid, "error", err.Error())
	}
}
