package meta

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gcottom/go-zaplog"
	"github.com/gcottom/retry"
	kkyoutube "github.com/kkdai/youtube/v2"
	"github.com/oldfish/oldfish-dl/internal/services/downloader"
	"github.com/oldfish/oldfish-dl/internal/services/extractor"
	"github.com/oldfish/oldfish-dl/pkg/youtube"
	"go.uber.org/zap"
)

// ResolveMediaInfo looks up title, duration and the quality and container
// choices for url.
func (s *Service) ResolveMediaInfo(ctx context.Context, url string) (*MediaInfo, error) {
	video, err := s.GetVideo(ctx, url)
	if err != nil {
		return nil, err
	}
	info := BuildMediaInfo(video)
	zaplog.InfoC(ctx, "media info resolved", zap.String("id", info.ID), zap.String("title", info.Title), zap.Strings("qualities", info.AvailableQualities))
	return &info, nil
}

func (s *Service) ResolvePlaylist(ctx context.Context, url string) (*PlaylistInfo, error) {
	s.MetaLimiter.Acquire()
	defer s.MetaLimiter.Release()
	entries, err := s.YTClient.GetPlaylistEntries(ctx, url)
	if err != nil {
		zaplog.ErrorC(ctx, "failed to resolve playlist", zap.String("url", url), zap.Error(err))
		return nil, err
	}
	return &PlaylistInfo{URL: url, Entries: entries}, nil
}

// GetVideo fetches video details with retries, limited by MetaLimiter.
func (s *Service) GetVideo(ctx context.Context, url string) (*kkyoutube.Video, error) {
	if _, err := youtube.VideoID(url); err != nil {
		zaplog.WarnC(ctx, "unsupported media url", zap.String("url", url), zap.Error(err))
		return nil, fmt.Errorf("unsupported url %q: %w", url, err)
	}
	s.MetaLimiter.Acquire()
	defer s.MetaLimiter.Release()

	res, err := retry.Retry(retry.NewAlgSimpleDefault(), 3, s.YTClient.GetVideo, ctx, url)
	if err != nil {
		zaplog.ErrorC(ctx, "failed to get video info", zap.String("url", url), zap.Error(err))
		return nil, err
	}
	video, ok := res[0].(*kkyoutube.Video)
	if !ok || video == nil {
		return nil, errors.New("failed to get video info: empty response")
	}
	return video, nil
}

// ExistingFile reports the file a job would overwrite, if there is one. Video
// jobs also match the other common containers under the same name.
func (s *Service) ExistingFile(ctx context.Context, job downloader.Job) (string, error) {
	video, err := s.GetVideo(ctx, job.URL)
	if err != nil {
		return "", err
	}
	_, name, err := extractor.Plan(video, job)
	if err != nil {
		return "", err
	}

	candidates := []string{name}
	if job.Kind == downloader.MediaVideo {
		base := strings.TrimSuffix(name, filepath.Ext(name))
		for _, ext := range []string{"mp4", "mkv", "webm", "flv"} {
			if ext != job.Container {
				candidates = append(candidates, base+"."+ext)
			}
		}
	}
	for _, c := range candidates {
		path := filepath.Join(job.DestinationDir, c)
		if _, err := os.Stat(path); err == nil {
			zaplog.InfoC(ctx, "found existing file", zap.Int("task_id", job.TaskID), zap.String("path", path))
			return path, nil
		}
	}
	return "", nil
}

func BuildMediaInfo(video *kkyoutube.Video) MediaInfo {
	info := MediaInfo{
		ID:                  video.ID,
		Title:               video.Title,
		Uploader:            video.Author,
		Duration:            FormatDuration(video.Duration),
		DurationSeconds:     int(video.Duration.Seconds()),
		AvailableQualities:  Qualities(video.Formats),
		AvailableContainers: []string{"mp4"},
	}
	var bestArea uint
	for _, thumb := range video.Thumbnails {
		if area := thumb.Width * thumb.Height; info.ThumbnailURL == "" || area > bestArea {
			info.ThumbnailURL = thumb.URL
			bestArea = area
		}
	}
	for _, f := range video.Formats {
		if f.AudioChannels > 0 {
			info.AvailableContainers = append(info.AvailableContainers, "mp3")
			break
		}
	}
	return info
}

// Qualities lists the offered quality labels, highest first.
func Qualities(formats kkyoutube.FormatList) []string {
	seen := make(map[string]bool)
	out := make([]string, 0)
	for _, h := range youtube.Heights(formats) {
		if h < minListedHeight {
			continue
		}
		label := QualityLabel(h)
		if !seen[label] {
			seen[label] = true
			out = append(out, label)
		}
	}
	return out
}

// QualityLabel maps a stream height to the usual marketing label.
func QualityLabel(height int) string {
	switch {
	case height >= 4320:
		return "4320p(8K)"
	case height >= 2160:
		return "2160p(4K)"
	case height >= 1440:
		return "1440p(2K)"
	case height >= 1080:
		return "1080p"
	case height >= 720:
		return "720p"
	case height >= 480:
		return "480p"
	}
	return "360p"
}

// FormatDuration renders d as HH:MM:SS, or MM:SS below an hour.
func FormatDuration(d time.Duration) string {
	total := int(d.Seconds())
	if total <= 0 {
		return UnknownDuration
	}
	h, m, sec := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, sec)
	}
	return fmt.Sprintf("%02d:%02d", m, sec)
}
