package options

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mortarbuild/mortar/internal/decl"
)

func TestDeclare(t *testing.T) {
	t.Run("declares and resolves a default", func(t *testing.T) {
		s := NewStore()
		err := s.Declare(decl.Option{Name: "warning_level", Type: decl.IntegerOption, Default: "2"})
		require.NoError(t, err)

		v, err := s.Resolve("warning_level", "")
		require.NoError(t, err)
		assert.Equal(t, IntValue(2), v)
	})

	t.Run("duplicate in same scope fails", func(t *testing.T) {
		s := NewStore()
		require.NoError(t, s.Declare(decl.Option{Name: "opt", Type: decl.BoolOption, Default: "true"}))

		err := s.Declare(decl.Option{Name: "opt", Type: decl.BoolOption, Default: "false"})
		var dup *DuplicateOptionError
		require.ErrorAs(t, err, &dup)
		assert.Equal(t, "opt", dup.Name)
	})

	t.Run("same name in different scopes is allowed", func(t *testing.T) {
		s := NewStore()
		require.NoError(t, s.Declare(decl.Option{Name: "opt", Type: decl.BoolOption, Default: "true"}))
		require.NoError(t, s.Declare(decl.Option{Name: "opt", Subproject: "zlib", Type: decl.BoolOption, Default: "false"}))

		top, err := s.Resolve("opt", "")
		require.NoError(t, err)
		sub, err := s.Resolve("opt", "zlib")
		require.NoError(t, err)
		assert.Equal(t, BoolValue(true), top)
		assert.Equal(t, BoolValue(false), sub)
	})
}

func TestResolveUnknown(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Declare(decl.Option{Name: "warning_level", Type: decl.IntegerOption, Default: "2"}))

	_, err := s.Resolve("warninglevel", "")
	var unknown *UnknownOptionError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "warning_level", unknown.Suggestion)
}

func TestSourcePriority(t *testing.T) {
	t.Run("environment beats default", func(t *testing.T) {
		s := NewStore()
		require.NoError(t, s.SetFromSource("buildtype", "", "release", SourceEnvironment))

		v, err := s.Resolve("buildtype", "")
		require.NoError(t, err)
		assert.Equal(t, StringValue("release"), v)
	})

	t.Run("later project default never downgrades an environment value", func(t *testing.T) {
		s := NewStore()
		require.NoError(t, s.SetFromSource("buildtype", "", "release", SourceEnvironment))
		// A redeclared project default arrives at default priority.
		require.NoError(t, s.SetFromSource("buildtype", "", "plain", SourceDefault))

		v, err := s.Resolve("buildtype", "")
		require.NoError(t, err)
		assert.Equal(t, StringValue("release"), v)
	})

	t.Run("command line beats everything and ties overwrite", func(t *testing.T) {
		s := NewStore()
		require.NoError(t, s.SetFromSource("buildtype", "", "debugoptimized", SourceCommandLine))
		require.NoError(t, s.SetFromSource("buildtype", "", "minsize", SourceCommandLine))
		require.NoError(t, s.SetFromSource("buildtype", "", "plain", SourceMachineFile))

		v, err := s.Resolve("buildtype", "")
		require.NoError(t, err)
		assert.Equal(t, StringValue("minsize"), v)
	})
}

func TestSubprojectFallthrough(t *testing.T) {
	s := NewStore()
	// buildtype is only declared at the top; subprojects see it.
	v, err := s.Resolve("buildtype", "zlib")
	require.NoError(t, err)
	assert.Equal(t, StringValue("debug"), v)
}

func TestFreeze(t *testing.T) {
	s := NewStore()
	s.Freeze()

	assert.ErrorIs(t, s.Declare(decl.Option{Name: "x", Type: decl.BoolOption, Default: "true"}), ErrFrozen)
	assert.ErrorIs(t, s.SetFromSource("buildtype", "", "plain", SourceCommandLine), ErrFrozen)

	// Reads still work on a frozen store.
	_, err := s.Resolve("buildtype", "")
	assert.NoError(t, err)
}

func TestParseSource(t *testing.T) {
	for _, src := range []Source{SourceDefault, SourceEnvironment, SourceMachineFile, SourceCommandLine} {
		assert.Equal(t, src, ParseSource(src.String()))
	}
	assert.Equal(t, SourceUnset, ParseSource("something else"))
}

func TestParseValue(t *testing.T) {
	t.Run("combo rejects non-choice", func(t *testing.T) {
		_, err := ParseValue(decl.ComboOption, []string{"a", "b"}, "c")
		assert.Error(t, err)
	})

	t.Run("feature states", func(t *testing.T) {
		v, err := ParseValue(decl.FeatureOption, nil, "disabled")
		require.NoError(t, err)
		assert.True(t, v.(FeatureValue).Disabled())

		v, err = ParseValue(decl.FeatureOption, nil, "auto")
		require.NoError(t, err)
		assert.True(t, v.(FeatureValue).Auto())
	})

	t.Run("array splits on commas", func(t *testing.T) {
		v, err := ParseValue(decl.ArrayOption, nil, "a, b,c")
		require.NoError(t, err)
		assert.Equal(t, ArrayValue{"a", "b", "c"}, v)
	})
}

func TestSnapshotDeterminism(t *testing.T) {
	build := func() *Store {
		s := NewStore()
		require.NoError(t, s.Declare(decl.Option{Name: "tests", Type: decl.FeatureOption, Default: "auto"}))
		require.NoError(t, s.SetFromSource("buildtype", "", "release", SourceCommandLine))
		require.NoError(t, s.SetFromSource("tests", "", "enabled", SourceCommandLine))
		return s
	}
	a := build().Snapshot()
	b := build().Snapshot()
	assert.Equal(t, a, b)
}
