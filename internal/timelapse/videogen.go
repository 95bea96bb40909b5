package timelapse

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// VideoGenerator は ffmpeg で JPEG の連番から動画を作る
type VideoGenerator struct {
	command string // ffmpeg の実行ファイル
}

// NewVideoGenerator は新しいVideoGeneratorを作成する
func NewVideoGenerator() *VideoGenerator {
	return &VideoGenerator{command: "ffmpeg"}
}

// Generate はフレームを順に並べた動画を output に書き出す
// 途中で失敗した場合は output を残さない
func (vg *VideoGenerator) Generate(ctx context.Context, frames []string, output string, config Config) error {
	if len(frames) == 0 {
		return ErrNoFrames
	}

	listFile := filepath.Join(filepath.Dir(frames[0]), "images.txt")
	if err := vg.createImageList(listFile, frames, config.FPS); err != nil {
		return fmt.Errorf("画像リストの作成に失敗: %w", err)
	}
	defer func() {
		_ = os.Remove(listFile) // cleanup中のエラーは無視
	}()

	tmpOutput := output + ".tmp.mp4"
	cmd := exec.CommandContext(ctx, vg.command,
		"-f", "concat",
		"-safe", "0",
		"-i", listFile,
		"-r", strconv.Itoa(config.FPS),
		"-c:v", "libx264",
		"-preset", "fast",
		"-crf", vg.qualityToCRF(config.Quality),
		"-pix_fmt", "yuv420p",
		"-y", // 上書き許可
		tmpOutput,
	)

	out, err := cmd.CombinedOutput()
	if err != nil {
		_ = os.Remove(tmpOutput) // cleanup中のエラーは無視
		return fmt.Errorf("動画作成に失敗: %w (output: %s)", err, lastLines(string(out), 5))
	}

	if err := os.Rename(tmpOutput, output); err != nil {
		_ = os.Remove(tmpOutput)
		return fmt.Errorf("ファイル置き換えに失敗: %w", err)
	}
	return nil
}

// createImageList は concat demuxer 用の画像ファイルリストを作成する
func (vg *VideoGenerator) createImageList(listFile string, frames []string, fps int) error {
	if fps <= 0 {
		fps = DefaultConfig().FPS
	}
	duration := strconv.FormatFloat(1/float64(fps), 'f', 4, 64)

	var b strings.Builder
	for _, frame := range frames {
		abs, err := filepath.Abs(frame)
		if err != nil {
			return err
		}
		fmt.Fprintf(&b, "file '%s'\nduration %s\n", escapeConcatPath(abs), duration)
	}

	// 最後のフレームは duration が無視されるためもう一度並べる
	abs, err := filepath.Abs(frames[len(frames)-1])
	if err != nil {
		return err
	}
	fmt.Fprintf(&b, "file '%s'\n", escapeConcatPath(abs))

	return os.WriteFile(listFile, []byte(b.String()), 0644)
}

// escapeConcatPath は concat リストのシングルクォートをエスケープする
func escapeConcatPath(p string) string {
	return strings.ReplaceAll(p, "'", `'\''`)
}

// qualityToCRF は品質設定をFFmpegのCRF値に変換する
func (vg *VideoGenerator) qualityToCRF(quality int) string {
	// 品質1(低) -> CRF28, 品質5(高) -> CRF18
	crf := 28.0 - float64(quality-1)*2.5
	if crf < 18 {
		crf = 18
	}
	if crf > 28 {
		crf = 28
	}
	return strconv.FormatFloat(crf, 'f', 1, 64)
}

// ValidateFFmpeg はFFmpegが利用可能かチェックする
func (vg *VideoGenerator) ValidateFFmpeg(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, vg.command, "-version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("FFmpegが見つかりません。インストールしてください: %w", err)
	}

	return nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
