// Package dkim generates per-domain signing keys and maintains the
// OpenDKIM key/signing/trusted-hosts tables the milter reads.
package dkim

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/monkeysmail/platform/internal/pkg/logger"
)

const keyBits = 2048

var selectorPattern = regexp.MustCompile(`^[A-Za-z0-9-]{1,63}$`)

// KeyMaterial describes one generated (or reused) signing key and the DNS
// record that publishes it.
type KeyMaterial struct {
	Domain         string
	Selector       string
	PrivateKeyPath string
	PublicPEM      string
	TXTName        string
	TXTValue       string
}

// KeyService creates and reuses RSA signing keys under a key directory.
type KeyService struct {
	keyDir string
}

// NewKeyService creates a key service rooted at keyDir.
func NewKeyService(keyDir string) *KeyService {
	return &KeyService{keyDir: keyDir}
}

// Ensure returns key material for (domain, selector), generating a 2048-bit
// RSA keypair on first use. An existing key file is reused as-is, so the
// published TXT record stays stable across calls.
func (s *KeyService) Ensure(domainName, selector string) (*KeyMaterial, error) {
	domainName, selector, err := normalizePair(domainName, selector)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(s.keyDir, domainName, selector+".private")
	key, err := s.loadKey(path)
	if err != nil {
		return nil, err
	}
	if key == nil {
		key, err = rsa.GenerateKey(rand.Reader, keyBits)
		if err != nil {
			return nil, fmt.Errorf("generate key for %s: %w", domainName, err)
		}
		if err := writeKeyFile(path, key); err != nil {
			return nil, err
		}
		logger.Info("dkim key generated", "domain", domainName, "selector", selector, "path", path)
	}

	pub, err := publicValue(key)
	if err != nil {
		return nil, err
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: mustMarshalPublic(key)})

	return &KeyMaterial{
		Domain:         domainName,
		Selector:       selector,
		PrivateKeyPath: path,
		PublicPEM:      string(pubPEM),
		TXTName:        fmt.Sprintf("%s._domainkey.%s", selector, domainName),
		TXTValue:       fmt.Sprintf("v=DKIM1; k=rsa; p=%s", pub),
	}, nil
}

// loadKey reads an existing PEM private key, or returns (nil, nil) when the
// file does not exist yet.
func (s *KeyService) loadKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("key %s: not PEM", path)
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse key %s: %w", path, err)
	}
	return key, nil
}

// writeKeyFile writes the PEM private key atomically: temp file at 0600,
// rename into place, then relax to 0640 for the opendkim group.
func writeKeyFile(path string, key *rsa.PrivateKey) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".key-*")
	if err != nil {
		return fmt.Errorf("temp key file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod key: %w", err)
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	if err := pem.Encode(tmp, block); err != nil {
		tmp.Close()
		return fmt.Errorf("write key: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close key: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename key into place: %w", err)
	}

	if err := os.Chmod(path, 0o640); err != nil {
		return fmt.Errorf("chmod key: %w", err)
	}
	chownOpendkim(path)
	return nil
}

// chownOpendkim hands the key file to the opendkim group so the milter can
// read it. Best-effort: absent group or insufficient privilege only warns.
func chownOpendkim(path string) {
	grp, err := user.LookupGroup("opendkim")
	if err != nil {
		logger.Debug("opendkim group not found", "path", path)
		return
	}
	gid, err := strconv.Atoi(grp.Gid)
	if err != nil {
		return
	}
	if err := os.Chown(path, -1, gid); err != nil {
		logger.Warn("chgrp opendkim failed", "path", path, "error", err.Error())
	}
}

// publicValue returns the single-line base64 p= value of the public key.
func publicValue(key *rsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

func mustMarshalPublic(key *rsa.PrivateKey) []byte {
	der, _ := x509.MarshalPKIXPublicKey(&key.PublicKey)
	return der
}

func normalizePair(domainName, selector string) (string, string, error) {
	domainName = strings.ToLower(strings.TrimSpace(domainName))
	selector = strings.ToLower(strings.TrimSpace(selector))
	if domainName == "" || strings.ContainsAny(domainName, "/ \t") {
		return "", "", fmt.Errorf("invalid domain %q", domainName)
	}
	if !selectorPattern.MatchString(selector) {
		return "", "", fmt.Errorf("invalid selector %q", selector)
	}
	return domainName, selector, nil
}
