package extractor

import (
	"strconv"

	kkyoutube "github.com/kkdai/youtube/v2"
	"github.com/oldfish/oldfish-dl/internal"
	"github.com/oldfish/oldfish-dl/internal/services/downloader"
	"github.com/oldfish/oldfish-dl/pkg/youtube"
)

// Plan picks the stream to fetch for job and the file name it ends up under.
func Plan(video *kkyoutube.Video, job downloader.Job) (*kkyoutube.Format, string, error) {
	audio := job.Kind == downloader.MediaAudio
	var format *kkyoutube.Format
	var err error
	quality := job.Quality
	if audio {
		format, err = youtube.SelectAudioFormat(video.Formats)
	} else {
		height, _ := strconv.Atoi(job.Quality)
		format, err = youtube.SelectVideoFormat(video.Formats, height)
		if err == nil {
			quality = strconv.Itoa(format.Height)
		}
	}
	if err != nil {
		return nil, "", err
	}
	return format, internal.OutputName(video.Title, job.Container, quality, audio, job.AddResolutionSuffix), nil
}
