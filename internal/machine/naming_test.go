package machine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func mach(system string) *Machine {
	return &Machine{System: system}
}

func TestArtifactNames(t *testing.T) {
	t.Run("linux", func(t *testing.T) {
		m := mach("linux")
		assert.Equal(t, "app", m.ExecutableName("app", NameOverride{}))
		assert.Equal(t, "libfoo.a", m.StaticLibraryName("foo", NameOverride{}))
		assert.Equal(t, "libfoo.so", m.SharedLibraryName("foo", "", NameOverride{}))
		assert.Equal(t, "libfoo.so.1.2.3", m.SharedLibraryName("foo", "1.2.3", NameOverride{}))
		assert.Equal(t, "", m.ImportLibraryName("foo", NameOverride{}))
	})

	t.Run("windows", func(t *testing.T) {
		m := mach("windows")
		assert.Equal(t, "app.exe", m.ExecutableName("app", NameOverride{}))
		assert.Equal(t, "foo.lib", m.StaticLibraryName("foo", NameOverride{}))
		assert.Equal(t, "foo.dll", m.SharedLibraryName("foo", "1.2.3", NameOverride{}))
		assert.Equal(t, "foo.dll.lib", m.ImportLibraryName("foo", NameOverride{}))
	})

	t.Run("darwin", func(t *testing.T) {
		m := mach("darwin")
		assert.Equal(t, "libfoo.dylib", m.SharedLibraryName("foo", "1.2.3", NameOverride{}))
		assert.Nil(t, m.SharedAliases("foo", "1.2.3", "1", NameOverride{}))
	})
}

func TestSharedAliases(t *testing.T) {
	m := mach("linux")

	t.Run("versioned library gets full chain", func(t *testing.T) {
		aliases := m.SharedAliases("foo", "1.2.3", "1", NameOverride{})
		assert.Equal(t, []string{"libfoo.so", "libfoo.so.1"}, aliases)
	})

	t.Run("unversioned library has no aliases", func(t *testing.T) {
		assert.Nil(t, m.SharedAliases("foo", "", "", NameOverride{}))
	})

	t.Run("soname", func(t *testing.T) {
		assert.Equal(t, "libfoo.so.1", m.Soname("foo", "1", NameOverride{}))
	})
}

func TestNameOverrides(t *testing.T) {
	m := mach("linux")
	prefix := ""
	suffix := "dylib"
	assert.Equal(t, "foo.dylib",
		m.SharedLibraryName("foo", "", NameOverride{Prefix: &prefix, Suffix: &suffix}))

	empty := ""
	assert.Equal(t, "foo", m.StaticLibraryName("foo", NameOverride{Prefix: &empty, Suffix: &empty}))
}
