package machine

import "fmt"

// Artifact naming follows the host platform's conventions unless the
// target overrides prefix or suffix explicitly.

// NameOverride carries a target's explicit naming overrides; nil fields
// mean "use the platform convention".
type NameOverride struct {
	Prefix *string
	Suffix *string
}

func applyOverride(prefix, base, suffix string, o NameOverride) string {
	if o.Prefix != nil {
		prefix = *o.Prefix
	}
	if o.Suffix != nil {
		suffix = *o.Suffix
	}
	if suffix == "" {
		return prefix + base
	}
	return prefix + base + "." + suffix
}

// ExecutableName returns the platform filename of an executable target.
func (m *Machine) ExecutableName(base string, o NameOverride) string {
	suffix := ""
	if m.System == "windows" {
		suffix = "exe"
	}
	return applyOverride("", base, suffix, o)
}

// StaticLibraryName returns the platform filename of a static library.
func (m *Machine) StaticLibraryName(base string, o NameOverride) string {
	if m.System == "windows" {
		return applyOverride("", base, "lib", o)
	}
	return applyOverride("lib", base, "a", o)
}

// SharedLibraryName returns the real filename of a shared library. With a
// non-empty version the ELF name carries the full version; Windows and
// Darwin names never embed it in the filename.
func (m *Machine) SharedLibraryName(base, version string, o NameOverride) string {
	switch m.System {
	case "windows":
		return applyOverride("", base, "dll", o)
	case "darwin":
		return applyOverride("lib", base, "dylib", o)
	default:
		name := applyOverride("lib", base, "so", o)
		if version != "" {
			name = fmt.Sprintf("%s.%s", name, version)
		}
		return name
	}
}

// SharedAliases returns the symlink chain for a versioned ELF shared
// library, most generic name first: libfoo.so -> libfoo.so.X ->
// libfoo.so.X.Y.Z. Returns nil on platforms without soname symlinks or
// for unversioned libraries.
func (m *Machine) SharedAliases(base, version, soversion string, o NameOverride) []string {
	if m.System == "windows" || m.System == "darwin" || version == "" {
		return nil
	}
	unversioned := applyOverride("lib", base, "so", o)
	aliases := []string{unversioned}
	if soversion != "" && soversion != version {
		aliases = append(aliases, fmt.Sprintf("%s.%s", unversioned, soversion))
	}
	return aliases
}

// ImportLibraryName returns the import library created next to a Windows
// DLL, or "" on platforms that link against the library directly.
func (m *Machine) ImportLibraryName(base string, o NameOverride) string {
	if m.System != "windows" {
		return ""
	}
	return applyOverride("", base, "dll.lib", o)
}

// Soname returns the soname embedded into a versioned ELF shared library.
func (m *Machine) Soname(base, soversion string, o NameOverride) string {
	name := applyOverride("lib", base, "so", o)
	if soversion == "" || m.System == "windows" || m.System == "darwin" {
		return name
	}
	return fmt.Sprintf("%s.%s", name, soversion)
}
