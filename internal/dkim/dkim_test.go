package dkim

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureGeneratesAndReusesKey(t *testing.T) {
	svc := NewKeyService(t.TempDir())

	mat, err := svc.Ensure("Mail.Example.COM", "s2026")
	require.NoError(t, err)

	assert.Equal(t, "mail.example.com", mat.Domain)
	assert.Equal(t, "s2026", mat.Selector)
	assert.Equal(t, "s2026._domainkey.mail.example.com", mat.TXTName)
	assert.True(t, strings.HasPrefix(mat.TXTValue, "v=DKIM1; k=rsa; p="))
	assert.NotContains(t, mat.TXTValue, "\n", "p= value must be a single line")
	assert.Contains(t, mat.PublicPEM, "BEGIN PUBLIC KEY")

	info, err := os.Stat(mat.PrivateKeyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())

	first, err := os.ReadFile(mat.PrivateKeyPath)
	require.NoError(t, err)

	again, err := svc.Ensure("mail.example.com", "s2026")
	require.NoError(t, err)
	assert.Equal(t, mat.TXTValue, again.TXTValue, "existing key is reused")

	second, err := os.ReadFile(mat.PrivateKeyPath)
	require.NoError(t, err)
	assert.Equal(t, first, second, "key file is untouched on reuse")
}

func TestEnsureRejectsBadSelector(t *testing.T) {
	svc := NewKeyService(t.TempDir())

	for _, sel := range []string{"", "under_score", "dot.sel", strings.Repeat("a", 64), "s p"} {
		_, err := svc.Ensure("example.com", sel)
		assert.Error(t, err, "selector %q", sel)
	}

	_, err := svc.Ensure("", "mail")
	assert.Error(t, err)
}

func testKeyFile(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("key"), 0o600))
	return path
}

func TestSyncWritesDedupedSortedTables(t *testing.T) {
	dir := t.TempDir()
	keyA := testKeyFile(t, dir, "a.key")
	keyB := testKeyFile(t, dir, "b.key")

	keyTable := filepath.Join(dir, "KeyTable")
	signingTable := filepath.Join(dir, "SigningTable")
	trusted := filepath.Join(dir, "TrustedHosts")

	ts := NewTableSync(keyTable, signingTable, trusted, "")
	ts.reload = func() (string, error) { return "test", nil }

	entries := []TableEntry{
		{Domain: "B.example", Selector: "mail", KeyPath: keyB},
		{Domain: "a.example", Selector: "Mail", KeyPath: keyA},
		{Domain: "a.example", Selector: "mail", KeyPath: keyA}, // duplicate
		{Domain: "gone.example", Selector: "mail", KeyPath: filepath.Join(dir, "missing.key")},
		{Domain: "bad.example", Selector: "no_good", KeyPath: keyA},
	}

	report, err := ts.Sync(entries, []string{"10.0.0.5"})
	require.NoError(t, err)

	assert.Equal(t, 2, report.KeyTableLines)
	assert.Equal(t, 4, report.SigningTableLines)
	assert.Len(t, report.Skipped, 2, "missing key file and bad selector are skipped, not fatal")
	assert.True(t, report.Changed)
	assert.Equal(t, "test", report.ReloadMethod)

	kt, err := os.ReadFile(keyTable)
	require.NoError(t, err)
	assert.Equal(t,
		"a.example.mail a.example:mail:"+keyA+"\n"+
			"b.example.mail b.example:mail:"+keyB+"\n",
		string(kt))

	st, err := os.ReadFile(signingTable)
	require.NoError(t, err)
	assert.Equal(t,
		"*@a.example a.example.mail\n"+
			"*@*.a.example a.example.mail\n"+
			"*@b.example b.example.mail\n"+
			"*@*.b.example b.example.mail\n",
		string(st))

	th, err := os.ReadFile(trusted)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1\n::1\nlocalhost\n10.0.0.5\n", string(th))

	info, err := os.Stat(keyTable)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestSyncIsByteStable(t *testing.T) {
	dir := t.TempDir()
	key := testKeyFile(t, dir, "a.key")
	keyTable := filepath.Join(dir, "KeyTable")
	signingTable := filepath.Join(dir, "SigningTable")
	trusted := filepath.Join(dir, "TrustedHosts")

	reloads := 0
	ts := NewTableSync(keyTable, signingTable, trusted, "")
	ts.reload = func() (string, error) { reloads++; return "test", nil }

	entries := []TableEntry{{Domain: "a.example", Selector: "mail", KeyPath: key}}
	_, err := ts.Sync(entries, nil)
	require.NoError(t, err)
	first, err := os.ReadFile(keyTable)
	require.NoError(t, err)

	report, err := ts.Sync(entries, nil)
	require.NoError(t, err)
	second, err := os.ReadFile(keyTable)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.False(t, report.Changed, "unchanged inputs must not rewrite")
	assert.Equal(t, 1, reloads, "milter is only signaled on change")
}

func TestRegistrarAppendsOnce(t *testing.T) {
	dir := t.TempDir()
	keyTable := filepath.Join(dir, "KeyTable")
	signingTable := filepath.Join(dir, "SigningTable")

	reg := NewRegistrar(NewKeyService(dir), keyTable, signingTable, "")

	mat, err := reg.Register("example.com", "mail")
	require.NoError(t, err)

	again, err := reg.Register("example.com", "mail")
	require.NoError(t, err)
	assert.Equal(t, mat.TXTValue, again.TXTValue)

	kt, err := os.ReadFile(keyTable)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(kt),
		"example.com.mail example.com:mail:"+mat.PrivateKeyPath))

	st, err := os.ReadFile(signingTable)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(st), "*@example.com example.com.mail\n"))
	assert.Equal(t, 1, strings.Count(string(st), "*@*.example.com example.com.mail\n"))
}

func TestRegistrarPreservesExistingLines(t *testing.T) {
	dir := t.TempDir()
	keyTable := filepath.Join(dir, "KeyTable")
	require.NoError(t, os.WriteFile(keyTable, []byte("other.example.mail other.example:mail:/k"), 0o644))
	signingTable := filepath.Join(dir, "SigningTable")

	reg := NewRegistrar(NewKeyService(dir), keyTable, signingTable, "")
	_, err := reg.Register("example.com", "mail")
	require.NoError(t, err)

	kt, err := os.ReadFile(keyTable)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(kt), "\n"), "\n")
	require.Len(t, lines, 2, "a file without trailing newline still gains a separate line")
	assert.Equal(t, "other.example.mail other.example:mail:/k", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "example.com.mail "))
}
