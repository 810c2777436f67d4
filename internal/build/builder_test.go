package build

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/upciti/ops2deb-go/internal/blueprint"
)

func TestRunBuildsInProcessAndIsolatesFailures(t *testing.T) {
	good := buildTree(t)
	bad := t.TempDir() // no debian/control: assembleDeb must fail for this one

	outDir := t.TempDir()
	b := &Builder{OutputDir: outDir, Workers: 2, Mode: ModeInProcess, BuildTimeout: time.Minute, Log: logrus.NewEntry(logrus.StandardLogger())}

	targets := []Target{
		{Rendered: blueprint.Rendered{Blueprint: blueprint.Blueprint{Name: "ok", Revision: 1}, Version: "1.0", Architecture: "amd64"}, Dir: good},
		{Rendered: blueprint.Rendered{Blueprint: blueprint.Blueprint{Name: "broken", Revision: 1}, Version: "1.0", Architecture: "amd64"}, Dir: bad},
	}

	report, err := b.Run(context.Background(), targets)
	require.NoError(t, err)
	require.Len(t, report.Built, 1)
	require.Len(t, report.Failed, 1)
	require.Equal(t, "broken", report.Failed[0].Name)

	_, statErr := os.Stat(report.Built[0])
	require.NoError(t, statErr)
}

func TestRunWithZeroTargetsReturnsEmptyReport(t *testing.T) {
	b := New(t.TempDir())
	report, err := b.Run(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, report.Built)
	require.Empty(t, report.Failed)
}

func TestNewBuilderDefaultsToInProcessMode(t *testing.T) {
	b := New(filepath.Join(t.TempDir(), "out"))
	require.Equal(t, ModeInProcess, b.Mode)
	require.Greater(t, b.Workers, 0)
}
