package internal

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/gcottom/go-zaplog"
	"go.uber.org/zap"
)

const (
	DefaultVideoQuality   = "1080"
	DefaultAudioQuality   = "320"
	DefaultVideoContainer = "mp4"
	DefaultAudioContainer = "mp3"
)

var (
	qualityDigits = regexp.MustCompile(`\d+`)
	invalidChars  = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1F]`)
)

var audioFormats = map[string]bool{
	"mp3":   true,
	"aac":   true,
	"flac":  true,
	"wav":   true,
	"m4a":   true,
	"opus":  true,
	"audio": true,
}

func IsAudioFormat(format string) bool {
	return audioFormats[strings.ToLower(strings.TrimSpace(format))]
}

// NormalizeQuality keeps the first run of digits, so "1080p" and "320kbps" become
// "1080" and "320". Anything without digits gets the default for the media kind.
func NormalizeQuality(quality string, audio bool) string {
	if q := qualityDigits.FindString(quality); q != "" {
		return q
	}
	if audio {
		return DefaultAudioQuality
	}
	return DefaultVideoQuality
}

// ContainerFor maps the requested format to a file extension.
func ContainerFor(format string, audio bool) string {
	f := strings.ToLower(strings.TrimSpace(format))
	switch {
	case f == "audio" || (audio && f == ""):
		return DefaultAudioContainer
	case f == "" || f == "video":
		return DefaultVideoContainer
	}
	return f
}

func ConvertFile(ctx context.Context, ffmpegPath, in, out string, args ...string) error {
	cmdArgs := append([]string{"-y", "-loglevel", "error", "-i", in}, args...)
	cmdArgs = append(cmdArgs, out)
	cmd := exec.CommandContext(ctx, ffmpegPath, cmdArgs...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		zaplog.ErrorC(ctx, "conversion error", zap.String("in", in), zap.String("out", out), zap.String("stderr", stderr.String()), zap.Error(err))
		return fmt.Errorf("ffmpeg %s: %w", out, err)
	}
	return nil
}

// ConvertArgs returns the ffmpeg output options for a target container.
func ConvertArgs(container, quality string, audio bool) []string {
	if !audio {
		return nil
	}
	args := []string{"-vn"}
	switch container {
	case "mp3":
		args = append(args, "-c:a", "libmp3lame")
	case "aac", "m4a":
		args = append(args, "-c:a", "aac")
	case "opus":
		args = append(args, "-c:a", "libopus")
	case "flac", "wav":
		return args
	}
	if quality != "" {
		args = append(args, "-b:a", quality+"k")
	}
	return args
}

// SanitizeFileName replaces characters that are not allowed in file names and
// trims the result to a length every filesystem accepts.
func SanitizeFileName(name string) string {
	safe := invalidChars.ReplaceAllString(name, "_")
	safe = strings.Trim(safe, " .")
	const maxLength = 200
	if r := []rune(safe); len(r) > maxLength {
		safe = strings.TrimRight(string(r[:maxLength]), " .")
	}
	if safe == "" {
		return "download"
	}
	return safe
}

// OutputName builds the final file name for a title, adding a _1080p or _320kbps
// suffix when requested.
func OutputName(title, container, quality string, audio, suffix bool) string {
	base := SanitizeFileName(title)
	if suffix {
		if audio {
			base = fmt.Sprintf("%s_%skbps", base, quality)
		} else {
			base = fmt.Sprintf("%s_%sp", base, quality)
		}
	}
	return base + "." + container
}
