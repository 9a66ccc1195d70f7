package extractor

import (
	"github.com/gcottom/semaphore"
	"github.com/oldfish/oldfish-dl/pkg/youtube"
)

// Service downloads a job's stream, converts it to the requested container and
// tags audio files. It satisfies downloader.Extractor.
type Service struct {
	YTClient          *youtube.Client
	ConversionLimiter *semaphore.Semaphore
	TempDir           string
	FFmpegPath        string
}

var taggable = map[string]bool{
	"mp3":  true,
	"m4a":  true,
	"flac": true,
}
