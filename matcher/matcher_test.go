package matcher

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestObjectMatcherDeepEquality(t *testing.T) {
	m := Object(map[string]any{"foo": 1.0})

	ok, err := m.Matches(map[string]any{"foo": 1.0})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Matches(map[string]any{"foo": 2.0})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestObjectMatcherNestedConstraints(t *testing.T) {
	m := Object(map[string]any{"meta": map[string]any{"kind": "order"}})

	ok, err := m.Matches(map[string]any{"meta": map[string]any{"kind": "order", "extra": true}})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Matches(map[string]any{"meta": map[string]any{"kind": "invoice"}})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMissingFieldNeverMatches(t *testing.T) {
	m := Object(map[string]any{"foo": 1.0})
	ok, err := m.Matches(map[string]any{"bar": 1.0})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNilConstraintIsPresenceCheck(t *testing.T) {
	m := Object(map[string]any{"foo": nil})

	ok, err := m.Matches(map[string]any{"foo": "anything"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Matches(map[string]any{"bar": "anything"})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBuiltinMatchers(t *testing.T) {
	ok, err := Builtin(BuiltinAll).Matches(map[string]any{})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = Builtin(BuiltinNone).Matches(map[string]any{})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUserScriptRejectedWithoutEvaluator(t *testing.T) {
	m := UserScript([]byte("doc.foo % 2 === 1"), []byte("secret"), nil)
	_, err := m.Matches(map[string]any{"foo": 1.0})
	require.ErrorIs(t, err, ErrUserScriptRejected)
}

type stubEvaluator struct{ result bool }

func (s stubEvaluator) Evaluate(script []byte, document any) (bool, error) { return s.result, nil }

func TestUserScriptDispatchesToConfiguredEvaluator(t *testing.T) {
	m := UserScript([]byte("doc.foo % 2 === 1"), []byte("secret"), stubEvaluator{result: true})
	ok, err := m.Matches(map[string]any{"foo": 1.0})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestHMACVerification(t *testing.T) {
	m := UserScript([]byte("doc.foo % 2 === 1"), []byte("foo"), nil)
	require.NoError(t, m.Verify([]byte("foo")))
	require.ErrorIs(t, m.Verify([]byte("bar")), ErrHMACMismatch)
}

func TestFromDefinitionRoundTrips(t *testing.T) {
	original := UserScript([]byte("script"), []byte("secret"), nil)
	def := original.Definition()

	rehydrated := FromDefinition(def, nil)
	require.NoError(t, rehydrated.Verify([]byte("secret")))
	require.Error(t, rehydrated.Verify([]byte("wrong")))
}
