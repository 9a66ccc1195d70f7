package youtube

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/gcottom/go-zaplog"
	"github.com/kkdai/youtube/v2"
	"go.uber.org/zap"
)

var ErrNoFormat = errors.New("no matching stream format")

// VideoID extracts the video id from a watch url, short url or bare id.
func VideoID(url string) (string, error) {
	return youtube.ExtractVideoID(url)
}

func (s *Client) GetVideo(ctx context.Context, url string) (*youtube.Video, error) {
	zaplog.InfoC(ctx, "fetching video info", zap.String("url", url))
	video, err := s.YTClient.GetVideoContext(ctx, url)
	if err != nil {
		zaplog.ErrorC(ctx, "failed to get video info", zap.String("url", url), zap.Error(err))
		return nil, fmt.Errorf("failed to get video info: %w", err)
	}
	zaplog.InfoC(ctx, "video info fetched", zap.String("id", video.ID), zap.String("title", video.Title))
	return video, nil
}

// Download writes the stream of format to w and reports progress after every chunk.
func (s *Client) Download(ctx context.Context, video *youtube.Video, format *youtube.Format, w io.Writer, onProgress ProgressFunc) (int64, error) {
	zaplog.InfoC(ctx, "downloading youtube stream", zap.String("id", video.ID), zap.Int("itag", format.ItagNo))
	stream, size, err := s.YTClient.GetStreamContext(ctx, video, format)
	if err != nil {
		zaplog.ErrorC(ctx, "failed to get stream", zap.String("id", video.ID), zap.Error(err))
		return 0, fmt.Errorf("failed to get stream: %w", err)
	}
	defer stream.Close()

	pw := &progressWriter{w: w, total: size, onProgress: onProgress}
	written, err := io.Copy(pw, stream)
	if err != nil {
		zaplog.ErrorC(ctx, "failed to read stream", zap.String("id", video.ID), zap.Int64("written", written), zap.Error(err))
		return written, fmt.Errorf("failed to read stream: %w", err)
	}
	zaplog.InfoC(ctx, "successfully downloaded youtube stream", zap.String("id", video.ID), zap.Int64("bytes", written))
	return written, nil
}

func (s *Client) GetPlaylistEntries(ctx context.Context, url string) ([]string, error) {
	zaplog.InfoC(ctx, "getting playlist entries", zap.String("url", url))
	playlist, err := s.YTClient.GetPlaylistContext(ctx, url)
	if err != nil {
		zaplog.ErrorC(ctx, "failed to get playlist entries", zap.String("url", url), zap.Error(err))
		return nil, fmt.Errorf("failed to get playlist: %w", err)
	}
	entries := make([]string, 0, len(playlist.Videos))
	for _, entry := range playlist.Videos {
		entries = append(entries, "https://www.youtube.com/watch?v="+entry.ID)
	}
	zaplog.InfoC(ctx, "successfully retrieved playlist entries", zap.String("playlist_id", playlist.ID), zap.Int("count", len(entries)))
	return entries, nil
}

// SelectVideoFormat picks the muxed format with the tallest height not above
// maxHeight, or the shortest one when every format is taller.
func SelectVideoFormat(formats youtube.FormatList, maxHeight int) (*youtube.Format, error) {
	var best, lowest *youtube.Format
	for i := range formats {
		f := &formats[i]
		if !muxed(f) {
			continue
		}
		if lowest == nil || f.Height < lowest.Height {
			lowest = f
		}
		if f.Height <= maxHeight && (best == nil || f.Height > best.Height || (f.Height == best.Height && f.Bitrate > best.Bitrate)) {
			best = f
		}
	}
	if best == nil {
		best = lowest
	}
	if best == nil {
		return nil, ErrNoFormat
	}
	return best, nil
}

func SelectAudioFormat(formats youtube.FormatList) (*youtube.Format, error) {
	best := getBestAudioFormat(formats.Type("audio"))
	if best == nil {
		return nil, ErrNoFormat
	}
	return best, nil
}

// Heights lists the distinct heights of the muxed formats, tallest first.
func Heights(formats youtube.FormatList) []int {
	seen := make(map[int]bool)
	var out []int
	for i := range formats {
		f := &formats[i]
		if muxed(f) && !seen[f.Height] {
			seen[f.Height] = true
			out = append(out, f.Height)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out
}

// muxed reports whether f carries both picture and sound, the only kind of
// video stream SelectVideoFormat downloads.
func muxed(f *youtube.Format) bool {
	return f.Height > 0 && f.AudioChannels > 0
}

// Extension derives a file extension from the mime type of format.
func Extension(format *youtube.Format) string {
	mime := strings.ToLower(format.MimeType)
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	switch strings.TrimSpace(mime) {
	case "audio/mp4":
		return "m4a"
	case "video/mp4":
		return "mp4"
	case "audio/webm", "video/webm":
		return "webm"
	case "video/3gpp":
		return "3gp"
	}
	return "bin"
}

func getBestAudioFormat(formats youtube.FormatList) *youtube.Format {
	var bestFormat *youtube.Format
	maxBitrate := 0
	for _, format := range formats {
		if format.Bitrate > maxBitrate {
			best := format
			bestFormat = &best
			maxBitrate = format.Bitrate
		}
	}
	return bestFormat
}

type progressWriter struct {
	w          io.Writer
	written    int64
	total      int64
	onProgress ProgressFunc
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	if p.onProgress != nil {
		p.onProgress(p.written, p.total)
	}
	return n, err
}
