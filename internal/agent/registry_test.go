package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct{ kind Kind }

func (a fakeAdapter) Kind() Kind                                                { return a.kind }
func (a fakeAdapter) DisplayName() string                                      { return string(a.kind) }
func (a fakeAdapter) Capabilities() Capabilities                               { return Capabilities{} }
func (a fakeAdapter) Resolve(string) (string, error)                           { return "", nil }
func (a fakeAdapter) BuildSpawn(string, map[string]string) SpawnSpec           { return SpawnSpec{} }
func (a fakeAdapter) BuildResume(string, string, map[string]string) SpawnSpec  { return SpawnSpec{} }
func (a fakeAdapter) NewParser() Parser                                       { return nil }
func (a fakeAdapter) InterruptSignal() Signal                                  { return SignalInterrupt }

func TestRegistry_GetUnknownKindReturnsErrUnknownAgent(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get(KindCodex)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(fakeAdapter{kind: KindClaudeCode})

	got, err := r.Get(KindClaudeCode)
	require.NoError(t, err)
	assert.Equal(t, KindClaudeCode, got.Kind())
}

func TestRegistry_RegisterReplacesExistingKind(t *testing.T) {
	r := NewRegistry()
	r.Register(fakeAdapter{kind: KindClaudeCode})
	r.Register(fakeAdapter{kind: KindClaudeCode})

	assert.Len(t, r.List(), 1)
}

func TestRegistry_Exists(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.Exists(KindGeneric))
	r.Register(fakeAdapter{kind: KindGeneric})
	assert.True(t, r.Exists(KindGeneric))
}

func TestRegistry_List(t *testing.T) {
	r := NewRegistry()
	r.Register(fakeAdapter{kind: KindClaudeCode})
	r.Register(fakeAdapter{kind: KindCodex})

	kinds := r.List()
	assert.ElementsMatch(t, []Kind{KindClaudeCode, KindCodex}, kinds)
}
