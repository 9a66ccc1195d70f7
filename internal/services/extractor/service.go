package extractor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gcottom/audiometa/v3"
	"github.com/gcottom/go-zaplog"
	"github.com/google/uuid"
	kkyoutube "github.com/kkdai/youtube/v2"
	"github.com/oldfish/oldfish-dl/internal"
	"github.com/oldfish/oldfish-dl/internal/services/downloader"
	"github.com/oldfish/oldfish-dl/pkg/youtube"
	"go.uber.org/zap"
)

const progressInterval = 250 * time.Millisecond

func (s *Service) Fetch(ctx context.Context, job downloader.Job, progress downloader.ProgressFunc) (string, error) {
	if _, err := youtube.VideoID(job.URL); err != nil {
		return "", downloader.Permanent(fmt.Errorf("unsupported url %q: %w", job.URL, err))
	}
	video, err := s.YTClient.GetVideo(ctx, job.URL)
	if err != nil {
		return "", err
	}
	format, name, err := Plan(video, job)
	if err != nil {
		zaplog.ErrorC(ctx, "no usable stream", zap.Int("task_id", job.TaskID), zap.String("id", video.ID), zap.Error(err))
		return "", downloader.Permanent(err)
	}
	final := filepath.Join(job.DestinationDir, name)

	tmp, err := s.fetchStream(ctx, job, video, format, final, progress)
	if tmp != "" {
		defer s.Cleanup(ctx, tmp)
	}
	if err != nil {
		return "", err
	}

	if err = s.finish(ctx, job, tmp, youtube.Extension(format), final); err != nil {
		return "", err
	}
	if job.Kind == downloader.MediaAudio && taggable[job.Container] {
		s.Tag(ctx, final, video)
	}
	progress(downloader.Progress{Status: downloader.ProgressFinished, Filename: final})
	return final, nil
}

func (s *Service) fetchStream(ctx context.Context, job downloader.Job, video *kkyoutube.Video, format *kkyoutube.Format, final string, progress downloader.ProgressFunc) (string, error) {
	if err := os.MkdirAll(s.TempDir, 0755); err != nil {
		zaplog.ErrorC(ctx, "failed to create temp dir", zap.Error(err))
		return "", fmt.Errorf("failed to create temp dir: %w", err)
	}
	tmp := filepath.Join(s.TempDir, fmt.Sprintf("%s.%s", uuid.NewString(), youtube.Extension(format)))
	f, err := os.Create(tmp)
	if err != nil {
		zaplog.ErrorC(ctx, "failed to create temp file", zap.Error(err))
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}

	t := newTracker(progress, final, estimateSize(format, video.Duration))
	_, err = s.YTClient.Download(ctx, video, format, f, t.update)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("failed to write temp file: %w", closeErr)
	}
	if err != nil {
		zaplog.ErrorC(ctx, "failed to download stream", zap.Int("task_id", job.TaskID), zap.Error(err))
		return tmp, err
	}
	return tmp, nil
}

// finish moves the temp file into place, converting it first when the requested
// container differs from the stream's.
func (s *Service) finish(ctx context.Context, job downloader.Job, tmp, ext, final string) error {
	if ext == job.Container {
		return moveFile(tmp, final)
	}

	s.ConversionLimiter.Acquire()
	defer s.ConversionLimiter.Release()
	zaplog.InfoC(ctx, "converting download", zap.Int("task_id", job.TaskID), zap.String("from", ext), zap.String("to", job.Container))
	args := internal.ConvertArgs(job.Container, job.Quality, job.Kind == downloader.MediaAudio)
	if err := internal.ConvertFile(ctx, s.FFmpegPath, tmp, final, args...); err != nil {
		_ = os.Remove(final)
		return fmt.Errorf("failed to convert file: %w", err)
	}
	return nil
}

// Tag writes title and artist into an audio file. Failures are logged only.
func (s *Service) Tag(ctx context.Context, path string, video *kkyoutube.Video) {
	f, err := os.Open(path)
	if err != nil {
		zaplog.ErrorC(ctx, "failed to open file", zap.String("path", path), zap.Error(err))
		return
	}
	tag, err := audiometa.OpenTag(f)
	if err != nil {
		f.Close()
		zaplog.ErrorC(ctx, "failed to open tag", zap.String("path", path), zap.Error(err))
		return
	}
	tag.SetTitle(video.Title)
	tag.SetArtist(video.Author)
	tag.SetAlbum(video.Title)
	out := new(bytes.Buffer)
	err = tag.Save(out)
	f.Close()
	if err != nil {
		zaplog.ErrorC(ctx, "failed to save tag", zap.String("path", path), zap.Error(err))
		return
	}
	if err = os.WriteFile(path, out.Bytes(), 0644); err != nil {
		zaplog.ErrorC(ctx, "failed to write tagged file", zap.String("path", path), zap.Error(err))
	}
}

func (s *Service) Cleanup(ctx context.Context, tmp string) {
	if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
		zaplog.WarnC(ctx, "failed to remove temp file", zap.String("path", tmp), zap.Error(err))
	}
}

func moveFile(from, to string) error {
	if err := os.Rename(from, to); err == nil {
		return nil
	}
	src, err := os.Open(from)
	if err != nil {
		return fmt.Errorf("failed to open temp file: %w", err)
	}
	defer src.Close()
	dst, err := os.Create(to)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	if _, err = io.Copy(dst, src); err != nil {
		dst.Close()
		_ = os.Remove(to)
		return fmt.Errorf("failed to copy output file: %w", err)
	}
	return dst.Close()
}

// estimateSize guesses the stream size from its bitrate when the server does not
// announce a length.
func estimateSize(format *kkyoutube.Format, duration time.Duration) int64 {
	if format.ContentLength > 0 {
		return format.ContentLength
	}
	bitrate := format.AverageBitrate
	if bitrate == 0 {
		bitrate = format.Bitrate
	}
	if bitrate <= 0 || duration <= 0 {
		return 0
	}
	return int64(float64(bitrate) / 8 * duration.Seconds())
}
