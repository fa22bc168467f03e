package options

import "github.com/mortarbuild/mortar/internal/decl"

// Built-in options mirror the ones every project gets without declaring
// them. Kept deliberately small; toolchain-specific flag options live in
// machine files instead.
var builtins = []decl.Option{
	{Name: "buildtype", Type: decl.ComboOption,
		Choices: []string{"plain", "debug", "debugoptimized", "release", "minsize"},
		Default: "debug", Description: "Build type"},
	{Name: "default_library", Type: decl.ComboOption,
		Choices: []string{"shared", "static", "both"},
		Default: "shared", Description: "Default library kind for library()"},
	{Name: "unity", Type: decl.ComboOption,
		Choices: []string{"on", "off", "subprojects"},
		Default: "off", Description: "Unity build"},
	{Name: "unity_size", Type: decl.IntegerOption,
		Default: "4", Description: "Unity block size"},
	{Name: "prefix", Type: decl.StringOption,
		Default: "/usr/local", Description: "Installation prefix"},
	{Name: "bindir", Type: decl.StringOption,
		Default: "bin", Description: "Executable directory"},
	{Name: "libdir", Type: decl.StringOption,
		Default: "lib", Description: "Library directory"},
	{Name: "werror", Type: decl.BoolOption,
		Default: "false", Description: "Treat warnings as errors"},
}

func declareBuiltins(s *Store) {
	for _, b := range builtins {
		// Names are unique by construction; a failure here is a bug.
		if err := s.Declare(b); err != nil {
			panic(err)
		}
	}
}
