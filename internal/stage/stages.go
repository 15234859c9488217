package stage

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// Names of every pipeline stage, in execution order.
const (
	StageExtract     = "extracting"
	StageDiarize     = "diarize"
	StageASR         = "asr"
	StageTranslation = "translation"
	StageTTS         = "tts"
	StageMixing      = "mixing"
	StageMux         = "mux"
	StageExport      = "export"
)

// Order lists every stage name in the sequence a job runs them.
var Order = []string{
	StageExtract, StageDiarize, StageASR, StageTranslation, StageTTS, StageMixing, StageMux, StageExport,
}

// Runner executes one named stage given its input, returning the fields
// to merge into the job's runtime state on success.
type Runner func(ctx context.Context, input map[string]any) (map[string]any, error)

// Registry maps stage names to their implementations. cmd/stageworker
// dispatches through this map; tests may substitute fakes.
var Registry = map[string]Runner{
	StageExtract:     runExtract,
	StageDiarize:     runDiarize,
	StageASR:         runASR,
	StageTranslation: runTranslation,
	StageTTS:         runTTS,
	StageMixing:      runMixing,
	StageMux:         runMux,
	StageExport:      runExport,
}

func stringField(input map[string]any, key string) string {
	v, _ := input[key].(string)
	return v
}

func floatField(input map[string]any, key string) float64 {
	switch v := input[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

// runCommand executes name with args under ctx, returning its stdout and
// a descriptive error on failure, mirroring the teacher's ffprobe wrapper
// (context timeout, wrapped error, no shell interpolation).
func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%s timed out", name)
		}
		return nil, fmt.Errorf("%s failed: %w", name, err)
	}
	return out, nil
}

// runExtract pulls the source audio track out of the input video into a
// standalone wav file via ffmpeg.
func runExtract(ctx context.Context, input map[string]any) (map[string]any, error) {
	videoPath := stringField(input, "video_path")
	workDir := stringField(input, "work_dir")
	if videoPath == "" || workDir == "" {
		return nil, fmt.Errorf("extract: video_path and work_dir are required")
	}
	audioPath := filepath.Join(workDir, "audio.wav")
	_, err := runCommand(ctx, "ffmpeg", "-y", "-i", videoPath, "-vn", "-acodec", "pcm_s16le", "-ar", "16000", audioPath)
	if err != nil {
		return nil, err
	}
	return map[string]any{"audio_path": audioPath}, nil
}

// binAvailable reports whether an optional backend binary resolves on
// PATH. A missing optional backend degrades the stage instead of
// failing the job.
func binAvailable(bin string) bool {
	_, err := exec.LookPath(bin)
	return err == nil
}

// runDiarize segments the extracted audio into per-speaker turns. The
// concrete diarization backend is invoked as an external tool named by
// input["diarize_bin"], matching the pluggable-backend stance of the
// rest of the pipeline. A missing backend degrades to an empty segment
// list rather than failing the job.
func runDiarize(ctx context.Context, input map[string]any) (map[string]any, error) {
	audioPath := stringField(input, "audio_path")
	workDir := stringField(input, "work_dir")
	bin := stringField(input, "diarize_bin")
	if bin == "" {
		bin = "dubproc-diarize"
	}
	segmentsPath := filepath.Join(workDir, "segments.json")
	if !binAvailable(bin) {
		if err := os.WriteFile(segmentsPath, []byte("[]"), 0o644); err != nil {
			return nil, fmt.Errorf("writing placeholder segments: %w", err)
		}
		return map[string]any{
			"segments_path":    segmentsPath,
			"degraded_reasons": []string{fmt.Sprintf("diarization backend %s not installed", bin)},
		}, nil
	}
	_, err := runCommand(ctx, bin, "--audio", audioPath, "--out", segmentsPath)
	if err != nil {
		return nil, err
	}
	return map[string]any{"segments_path": segmentsPath}, nil
}

// runASR transcribes each diarized segment to source-language text. A
// missing recognition backend degrades to an empty transcript.
func runASR(ctx context.Context, input map[string]any) (map[string]any, error) {
	segmentsPath := stringField(input, "segments_path")
	workDir := stringField(input, "work_dir")
	bin := stringField(input, "asr_bin")
	if bin == "" {
		bin = "dubproc-asr"
	}
	srcLang := stringField(input, "src_lang")
	transcriptPath := filepath.Join(workDir, "transcript.json")
	if !binAvailable(bin) {
		if err := os.WriteFile(transcriptPath, []byte("[]"), 0o644); err != nil {
			return nil, fmt.Errorf("writing placeholder transcript: %w", err)
		}
		return map[string]any{
			"transcript_path":  transcriptPath,
			"degraded_reasons": []string{fmt.Sprintf("speech recognition backend %s not installed, transcript is empty", bin)},
		}, nil
	}
	_, err := runCommand(ctx, bin, "--segments", segmentsPath, "--lang", srcLang, "--out", transcriptPath)
	if err != nil {
		return nil, err
	}
	return map[string]any{"transcript_path": transcriptPath}, nil
}

// runTranslation translates the transcript into the target language.
func runTranslation(ctx context.Context, input map[string]any) (map[string]any, error) {
	transcriptPath := stringField(input, "transcript_path")
	workDir := stringField(input, "work_dir")
	bin := stringField(input, "translate_bin")
	if bin == "" {
		bin = "dubproc-translate"
	}
	srcLang := stringField(input, "src_lang")
	tgtLang := stringField(input, "tgt_lang")
	translatedPath := filepath.Join(workDir, "translated.json")
	_, err := runCommand(ctx, bin, "--in", transcriptPath, "--src", srcLang, "--tgt", tgtLang, "--out", translatedPath)
	if err != nil {
		return nil, err
	}
	return map[string]any{"translated_path": translatedPath, "output_srt": filepath.Join(workDir, "subtitles.srt")}, nil
}

// runTTS synthesizes target-language speech per segment, optionally
// conditioned on a persisted voice profile for the speaking character.
func runTTS(ctx context.Context, input map[string]any) (map[string]any, error) {
	translatedPath := stringField(input, "translated_path")
	workDir := stringField(input, "work_dir")
	bin := stringField(input, "tts_bin")
	if bin == "" {
		bin = "dubproc-tts"
	}
	device := stringField(input, "device")
	ttsDir := filepath.Join(workDir, "tts")
	if !binAvailable(bin) {
		if err := os.MkdirAll(ttsDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating placeholder tts dir: %w", err)
		}
		return map[string]any{
			"tts_dir":          ttsDir,
			"degraded_reasons": []string{fmt.Sprintf("speech synthesis backend %s not installed", bin)},
		}, nil
	}
	args := []string{"--in", translatedPath, "--out-dir", ttsDir, "--device", device}
	if vp := stringField(input, "voice_profile_path"); vp != "" {
		args = append(args, "--voice-profile", vp)
	}
	_, err := runCommand(ctx, bin, args...)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tts_dir": ttsDir}, nil
}

// runMixing lays the synthesized segments back onto the timeline,
// ducking the original background track under dialogue.
func runMixing(ctx context.Context, input map[string]any) (map[string]any, error) {
	ttsDir := stringField(input, "tts_dir")
	audioPath := stringField(input, "audio_path")
	workDir := stringField(input, "work_dir")
	bin := stringField(input, "mix_bin")
	if bin == "" {
		bin = "dubproc-mix"
	}
	mixedPath := filepath.Join(workDir, "mixed.wav")
	_, err := runCommand(ctx, bin, "--tts-dir", ttsDir, "--background", audioPath, "--out", mixedPath)
	if err != nil {
		return nil, err
	}
	return map[string]any{"mixed_audio_path": mixedPath}, nil
}

// runMux combines the original video, the mixed dub track and the
// generated subtitle file into the final MKV container.
func runMux(ctx context.Context, input map[string]any) (map[string]any, error) {
	videoPath := stringField(input, "video_path")
	mixedAudioPath := stringField(input, "mixed_audio_path")
	outputSRT := stringField(input, "output_srt")
	workDir := stringField(input, "work_dir")
	muxedPath := filepath.Join(workDir, "muxed.mkv")

	if outputSRT != "" {
		if _, err := os.Stat(outputSRT); err != nil {
			outputSRT = ""
		}
	}

	args := []string{
		"-y", "-i", videoPath, "-i", mixedAudioPath,
	}
	if outputSRT != "" {
		args = append(args, "-i", outputSRT)
	}
	args = append(args,
		"-map", "0:v:0", "-map", "1:a:0",
	)
	if outputSRT != "" {
		args = append(args, "-map", "2:s:0")
	}
	args = append(args, "-c:v", "copy", "-c:a", "aac", "-c:s", "srt", muxedPath)

	_, err := runCommand(ctx, "ffmpeg", args...)
	if err != nil {
		return nil, err
	}
	return map[string]any{"muxed_path": muxedPath}, nil
}

// runExport places the finished artifact at its final output path and
// reports the output duration for accounting purposes.
func runExport(ctx context.Context, input map[string]any) (map[string]any, error) {
	muxedPath := stringField(input, "muxed_path")
	outDir := stringField(input, "out_dir")
	jobID := stringField(input, "job_id")
	finalPath := filepath.Join(outDir, jobID+".mkv")

	_, err := runCommand(ctx, "ffmpeg", "-y", "-i", muxedPath, "-c", "copy", finalPath)
	if err != nil {
		return nil, err
	}

	out, err := runCommand(ctx, "ffprobe", "-v", "quiet", "-print_format", "default=noprint_wrappers=1:nokey=1",
		"-show_entries", "format=duration", finalPath)
	durationS := floatField(input, "duration_s")
	if err == nil {
		if parsed, perr := strconv.ParseFloat(strings.TrimSpace(string(out)), 64); perr == nil {
			durationS = parsed
		}
	}
	return map[string]any{"output_mkv": finalPath, "duration_s": durationS}, nil
}
