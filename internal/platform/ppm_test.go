// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package platform

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func schemaForTest() *Schema {
	return NewSchema(map[string]MatchType{
		"OSFamily": Exact,
		"MinMemMB": Minimum,
		"Arch":     Priority,
	})
}

func TestValidateUnknownKey(t *testing.T) {
	s := schemaForTest()
	err := s.Validate(map[string]string{"OSFamily": "linux", "gpu": "yes"})
	require.Error(t, err)
	var unk *UnknownKeyError
	require.True(t, errors.As(err, &unk))
	assert.Equal(t, "gpu", unk.Key)
}

func TestValidateKnownKeysOK(t *testing.T) {
	s := schemaForTest()
	require.NoError(t, s.Validate(map[string]string{"OSFamily": "linux"}))
}

func TestSatisfiesExact(t *testing.T) {
	s := schemaForTest()
	worker := map[string][]string{"OSFamily": {"linux"}}

	assert.True(t, s.Satisfies(map[string]string{"OSFamily": "linux"}, worker))
	assert.False(t, s.Satisfies(map[string]string{"OSFamily": "windows"}, worker))
}

func TestSatisfiesMinimum(t *testing.T) {
	s := schemaForTest()
	worker := map[string][]string{"MinMemMB": {"4096"}}

	assert.True(t, s.Satisfies(map[string]string{"MinMemMB": "2048"}, worker))
	assert.True(t, s.Satisfies(map[string]string{"MinMemMB": "4096"}, worker))
	assert.False(t, s.Satisfies(map[string]string{"MinMemMB": "8192"}, worker))
}

func TestSatisfiesPriority(t *testing.T) {
	s := schemaForTest()
	worker := map[string][]string{"Arch": {"arm64"}}

	assert.True(t, s.Satisfies(map[string]string{"Arch": "amd64,arm64"}, worker))
	assert.False(t, s.Satisfies(map[string]string{"Arch": "amd64,x86"}, worker))
}

func TestSatisfiesMissingWorkerKeyFails(t *testing.T) {
	s := schemaForTest()
	worker := map[string][]string{}
	assert.False(t, s.Satisfies(map[string]string{"OSFamily": "linux"}, worker))
}

func TestSatisfiesIgnoresExtraWorkerKeys(t *testing.T) {
	s := schemaForTest()
	worker := map[string][]string{
		"OSFamily": {"linux"},
		"gpu":      {"nvidia"}, // not in schema, must be ignored
	}
	assert.True(t, s.Satisfies(map[string]string{"OSFamily": "linux"}, worker))
}

func TestManagerGetNotFound(t *testing.T) {
	m := NewManager(map[string]*Schema{"main": schemaForTest()})

	s, err := m.Get("main")
	require.NoError(t, err)
	assert.NotNil(t, s)

	_, err = m.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
