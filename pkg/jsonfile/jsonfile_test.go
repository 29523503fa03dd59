package jsonfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type model struct {
	Q       map[string]float64 `json:"q"`
	Epsilon float64            `json:"epsilon"`
}

func TestSaveLoad(t *testing.T) {
	in := model{Q: map[string]float64{"a": 1.5}, Epsilon: 0.2}
	for _, name := range []string{"model.json", "model.json.zst"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)
			require.NoError(t, Save(path, in))
			var out model
			require.NoError(t, Load(path, &out))
			assert.Equal(t, in, out)
			_, err := os.Stat(path + ".tmp")
			assert.True(t, os.IsNotExist(err))
		})
	}
}

func TestCompressedFileIsNotPlainJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.zst")
	require.NoError(t, Save(path, model{Epsilon: 1}))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotEqual(t, byte('{'), b[0])
}

func TestLoadMissing(t *testing.T) {
	var out model
	err := Load(filepath.Join(t.TempDir(), "none.json"), &out)
	assert.True(t, NotExist(err))
}
