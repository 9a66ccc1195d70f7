package youtube

import (
	"net/http"

	"github.com/kkdai/youtube/v2"
)

type Client struct {
	YTClient *youtube.Client
}

func NewClient() *Client {
	return &Client{
		YTClient: &youtube.Client{HTTPClient: http.DefaultClient},
	}
}

// ProgressFunc receives the bytes written so far and the stream size, which is
// zero when the server did not announce it.
type ProgressFunc func(written, total int64)
