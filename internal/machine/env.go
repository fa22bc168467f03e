package machine

import (
	"fmt"
	"os"
	"runtime"

	"github.com/kballard/go-shellquote"
)

// Environment variable names consulted per language, compiler then flags.
var envVars = map[string][2]string{
	"c":       {"CC", "CFLAGS"},
	"cpp":     {"CXX", "CXXFLAGS"},
	"fortran": {"FC", "FFLAGS"},
	"rust":    {"RUSTC", "RUSTFLAGS"},
}

var defaultCompilers = map[string][]string{
	"c":       {"cc"},
	"cpp":     {"c++"},
	"fortran": {"gfortran"},
	"rust":    {"rustc"},
}

// DetectNative builds a machine definition for the system the tool runs
// on, honoring CC/CFLAGS-style environment variables. Variable values are
// shell-split, so CC="ccache gcc" works.
func DetectNative(languages []string) (*Machine, error) {
	tc := Toolchain{
		Compilers:        make(map[string]Compiler),
		Linker:           nil,
		Archiver:         []string{"ar"},
		ExtraCompileArgs: make(map[string][]string),
	}
	for _, lang := range languages {
		names, ok := envVars[lang]
		if !ok {
			return nil, fmt.Errorf("unsupported language %q", lang)
		}
		cmd := defaultCompilers[lang]
		if v := os.Getenv(names[0]); v != "" {
			split, err := shellquote.Split(v)
			if err != nil {
				return nil, fmt.Errorf("malformed %s value %q: %w", names[0], v, err)
			}
			cmd = split
		}
		if v := os.Getenv(names[1]); v != "" {
			flags, err := shellquote.Split(v)
			if err != nil {
				return nil, fmt.Errorf("malformed %s value %q: %w", names[1], v, err)
			}
			tc.ExtraCompileArgs[lang] = flags
		}
		tc.Compilers[lang] = Compiler{Language: lang, Command: cmd, Syntax: GccSyntax}
	}
	if v := os.Getenv("LDFLAGS"); v != "" {
		flags, err := shellquote.Split(v)
		if err != nil {
			return nil, fmt.Errorf("malformed LDFLAGS value %q: %w", v, err)
		}
		tc.ExtraLinkArgs = flags
	}
	return &Machine{
		System:    runtime.GOOS,
		CPUFamily: runtime.GOARCH,
		Toolchain: tc,
	}, nil
}
