package stage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOrderCoversRegistry(t *testing.T) {
	require.Len(t, Order, len(Registry))
	for _, name := range Order {
		require.Contains(t, Registry, name)
	}
}

func TestASRDegradesWhenBackendMissing(t *testing.T) {
	workDir := t.TempDir()
	out, err := runASR(context.Background(), map[string]any{
		"work_dir": workDir,
		"asr_bin":  "definitely-not-installed-asr-backend",
		"src_lang": "ja",
	})
	require.NoError(t, err)

	reasons, ok := out["degraded_reasons"].([]string)
	require.True(t, ok)
	require.Len(t, reasons, 1)
	require.Contains(t, reasons[0], "not installed")

	transcript, ok := out["transcript_path"].(string)
	require.True(t, ok)
	data, err := os.ReadFile(transcript)
	require.NoError(t, err)
	require.Equal(t, "[]", string(data))
}

func TestDiarizeDegradesWhenBackendMissing(t *testing.T) {
	workDir := t.TempDir()
	out, err := runDiarize(context.Background(), map[string]any{
		"work_dir":    workDir,
		"audio_path":  filepath.Join(workDir, "audio.wav"),
		"diarize_bin": "definitely-not-installed-diarize-backend",
	})
	require.NoError(t, err)
	require.Contains(t, out, "degraded_reasons")
	require.FileExists(t, filepath.Join(workDir, "segments.json"))
}

func TestTTSDegradesWhenBackendMissing(t *testing.T) {
	workDir := t.TempDir()
	out, err := runTTS(context.Background(), map[string]any{
		"work_dir": workDir,
		"tts_bin":  "definitely-not-installed-tts-backend",
	})
	require.NoError(t, err)
	require.Contains(t, out, "degraded_reasons")
	require.DirExists(t, out["tts_dir"].(string))
}
