package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_File(t *testing.T) {
	req := require.New(t)
	path := filepath.Join(t.TempDir(), "relay.log")

	l, err := New(Config{Level: "debug", Format: "json", File: FileConfig{Filename: path}})
	req.NoError(err)

	l.Info("session created", zap.String("session", "abc"))
	_ = l.Sync()

	data, err := os.ReadFile(path)
	req.NoError(err)
	req.Contains(string(data), `"session":"abc"`)
	req.Contains(string(data), `"msg":"session created"`)
}

func TestNew_InvalidConfig(t *testing.T) {
	req := require.New(t)

	_, err := New(Config{Level: "loud"})
	req.Error(err)

	_, err = New(Config{Format: "xml"})
	req.Error(err)
}
