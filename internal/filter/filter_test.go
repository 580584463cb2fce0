package filter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFilterFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "filters.ini")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadEmptyPath(t *testing.T) {
	f, err := Load("")
	require.NoError(t, err)
	require.True(t, f.Empty())
}

func TestLoadExcludes(t *testing.T) {
	path := writeFilterFile(t, `
[exclude-schema]
private
audit

[exclude-table]
public.big_log

[exclude-table-data]
public.archive

[exclude-index]
public.idx_scratch
`)
	f, err := Load(path)
	require.NoError(t, err)

	require.True(t, f.SchemaExcluded("private"))
	require.True(t, f.TableExcluded("private", "anything"))
	require.True(t, f.TableExcluded("public", "big_log"))
	require.False(t, f.TableExcluded("public", "users"))

	require.True(t, f.TableDataExcluded("public", "archive"))
	require.False(t, f.TableExcluded("public", "archive"))

	require.True(t, f.IndexExcluded("public", "idx_scratch"))
	require.False(t, f.IndexExcluded("public", "idx_real"))
}

func TestLoadIncludeOnly(t *testing.T) {
	path := writeFilterFile(t, `
[include-only-table]
public.users
public.orders
`)
	f, err := Load(path)
	require.NoError(t, err)

	require.False(t, f.TableExcluded("public", "users"))
	require.True(t, f.TableExcluded("public", "sessions"))
	require.False(t, f.SchemaExcluded("public"))
}

func TestIncludeOnlyConflicts(t *testing.T) {
	path := writeFilterFile(t, `
[include-only-table]
public.users

[exclude-table]
public.orders
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestUnknownSection(t *testing.T) {
	path := writeFilterFile(t, "[bogus]\nx\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestDigestStable(t *testing.T) {
	content := "[exclude-schema]\nprivate\n"
	a, err := Load(writeFilterFile(t, content))
	require.NoError(t, err)
	b, err := Load(writeFilterFile(t, content))
	require.NoError(t, err)
	require.Equal(t, a.Digest(), b.Digest())

	c, err := Load(writeFilterFile(t, "[exclude-schema]\nother\n"))
	require.NoError(t, err)
	require.NotEqual(t, a.Digest(), c.Digest())
}
