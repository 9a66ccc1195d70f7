package meta

import (
	"github.com/gcottom/semaphore"
	"github.com/oldfish/oldfish-dl/pkg/youtube"
)

type Service struct {
	YTClient    *youtube.Client
	MetaLimiter *semaphore.Semaphore
}

// MediaInfo is what the UI shows before a download is started.
type MediaInfo struct {
	ID                  string   `json:"id"`
	Title               string   `json:"title"`
	Uploader            string   `json:"uploader"`
	Duration            string   `json:"duration"`
	DurationSeconds     int      `json:"duration_seconds"`
	ThumbnailURL        string   `json:"thumbnail_url,omitempty"`
	AvailableQualities  []string `json:"available_qualities"`
	AvailableContainers []string `json:"available_containers"`
}

type PlaylistInfo struct {
	URL     string   `json:"url"`
	Entries []string `json:"entries"`
}

const UnknownDuration = "unknown"

// streams shorter than this are not offered as a quality choice
const minListedHeight = 360
